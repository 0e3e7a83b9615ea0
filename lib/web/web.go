/*
Copyright 2024 ComputeHQ, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package web implements the gateway HTTP front end: the auth, compute
// and preset APIs plus the preview dispatch into the HTTP and
// websocket proxies.
package web

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/authsvc"
	"github.com/computehq/compute-gateway/lib/computes"
	"github.com/computehq/compute-gateway/lib/httplib"
	"github.com/computehq/compute-gateway/lib/ident"
	"github.com/computehq/compute-gateway/lib/presets"
	"github.com/computehq/compute-gateway/lib/proxy"
)

// Config configures the front end handler.
type Config struct {
	// Auth is the authentication core.
	Auth *authsvc.Service
	// Computes is the compute lifecycle manager.
	Computes *computes.Manager
	// Presets is the preset registry.
	Presets *presets.Manager
	// HTTPProxy serves preview HTTP traffic.
	HTTPProxy *proxy.HTTPProxy
	// WSProxy serves preview websocket traffic.
	WSProxy *proxy.WSProxy
	// Teardown is consulted by sandbox extension, may be nil.
	Teardown *proxy.Teardown
	// PreviewDomain is the wildcard domain preview hosts live under.
	PreviewDomain string
	// Log is the logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Computes == nil {
		return trace.BadParameter("missing parameter Computes")
	}
	if c.Presets == nil {
		return trace.BadParameter("missing parameter Presets")
	}
	if c.HTTPProxy == nil {
		return trace.BadParameter("missing parameter HTTPProxy")
	}
	if c.WSProxy == nil {
		return trace.BadParameter("missing parameter WSProxy")
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentWeb,
		})
	}
	return nil
}

// Handler is the gateway front end. API routes are served by the
// embedded router, everything carrying a preview identity is handed to
// the proxies.
type Handler struct {
	httprouter.Router
	cfg Config
	log *logrus.Entry
}

// NewHandler creates the front end handler and binds all routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg, log: cfg.Log}

	// Authentication.
	h.POST("/auth/register", httplib.MakeHandler(h.register))
	h.POST("/auth/login", httplib.MakeHandler(h.login))
	h.POST("/auth/refresh", httplib.MakeHandler(h.refresh))
	h.POST("/auth/organizations", h.withAuth(h.createOrganization, authsvc.KindUser))
	h.POST("/auth/api-keys", h.withAuth(h.createAPIKey, authsvc.KindUser))
	h.POST("/auth/sessions", h.withAuth(h.createSession, authsvc.KindAPIKey))
	h.GET("/auth/sessions/:id", h.withAuth(h.getSession, authsvc.KindAPIKey, authsvc.KindUser))
	h.POST("/auth/sessions/:id/claim", h.withAuth(h.claimSession, authsvc.KindUser))
	h.POST("/auth/sessions/:id/resources", h.withAuth(h.addSessionResource, authsvc.KindAPIKey))
	// Static segments may not share a position with the :id wildcard
	// above, so bulk claiming lives under its own prefix.
	h.POST("/auth/session-claims/by-email", h.withAuth(h.claimSessionsByEmail, authsvc.KindUser))
	h.GET("/auth/status", h.withAuth(h.authStatus, authsvc.KindUser, authsvc.KindAPIKey, authsvc.KindEndUser))
	h.GET("/auth/info", h.withAuth(h.authInfo, authsvc.KindUser, authsvc.KindAPIKey, authsvc.KindEndUser))

	// Computes.
	h.POST("/v1/sandboxes", h.withAuth(h.createSandbox, authsvc.KindUser, authsvc.KindAPIKey))
	h.GET("/v1/sandboxes", h.withAuth(h.listSandboxes, authsvc.KindUser, authsvc.KindAPIKey))
	h.GET("/v1/sandboxes/:id", h.withAuth(h.getSandbox, authsvc.KindUser, authsvc.KindAPIKey, authsvc.KindEndUser))
	h.DELETE("/v1/sandboxes/:id", h.withAuth(h.deleteSandbox, authsvc.KindUser, authsvc.KindAPIKey))
	// Lookups live under their own prefix, the sandboxes subtree keeps
	// the :id wildcard to itself.
	h.POST("/v1/find-sandbox", h.withAuth(h.findSandbox, authsvc.KindUser, authsvc.KindAPIKey))
	h.POST("/v1/find-or-create-sandbox", h.withAuth(h.findOrCreateSandbox, authsvc.KindUser, authsvc.KindAPIKey))
	h.POST("/v1/sandboxes/:id/extend", h.withAuth(h.extendSandbox, authsvc.KindUser, authsvc.KindAPIKey, authsvc.KindEndUser))

	// Presets.
	h.GET("/presets", h.withAuth(h.listPresets, authsvc.KindUser, authsvc.KindAPIKey))
	h.POST("/presets", h.withAuth(h.createPreset, authsvc.KindUser, authsvc.KindAPIKey))
	h.GET("/presets/:id", h.withAuth(h.getPreset, authsvc.KindUser, authsvc.KindAPIKey))
	h.PUT("/presets/:id", h.withAuth(h.updatePreset, authsvc.KindUser, authsvc.KindAPIKey))
	h.DELETE("/presets/:id", h.withAuth(h.deletePreset, authsvc.KindUser, authsvc.KindAPIKey))

	// Anything not matching an API route may still be preview traffic.
	h.NotFound = http.HandlerFunc(h.servePreview)
	return h, nil
}

// ServeHTTP dispatches preview traffic before the router so preview
// hosts can use any path, API routes included.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if id := ident.Extract(r, h.cfg.PreviewDomain); id.ComputeID != "" {
		h.proxyTo(w, r, id)
		return
	}
	h.Router.ServeHTTP(w, r)
}

// servePreview handles requests that fell through the router, which at
// this point can only be unknown paths.
func (h *Handler) servePreview(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// proxyTo authorizes and forwards one preview request. End-user
// bearers must hold a grant for the target compute; user and API key
// bearers pass; anonymous preview traffic is allowed through to the
// compute itself, which enforces its own auth.
func (h *Handler) proxyTo(w http.ResponseWriter, r *http.Request, id ident.Identity) {
	if token := bearerToken(r); token != "" {
		claims, session, err := h.authenticate(r, token)
		if err != nil {
			httplib.ReplyUnauthenticated(w, err.Error())
			return
		}
		if claims.Kind == authsvc.KindEndUser {
			if session == nil || !session.AllowsCompute(id.ComputeID) {
				httplib.ReplyError(w, trace.AccessDenied("session does not grant access to compute %q", id.ComputeID))
				return
			}
		}
	}
	if isWebsocketUpgrade(r) {
		h.cfg.WSProxy.Serve(w, r, id)
		return
	}
	h.cfg.HTTPProxy.Serve(w, r, id)
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
