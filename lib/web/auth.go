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

package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/computehq/compute-gateway/lib/authsvc"
	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/httplib"
)

// authContext is the authenticated principal attached to a request.
type authContext struct {
	// Claims are the validated bearer claims.
	Claims *authsvc.Claims
	// Session is set for end-user bearers, carrying resource grants.
	Session *authsvc.ClaimableSession
}

// authHandler is a handler that runs behind admission.
type authHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error)

// withAuth admits only bearers of the given kinds and attaches the
// authenticated context.
func (h *Handler) withAuth(fn authHandler, kinds ...string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token := bearerToken(r)
		if token == "" {
			httplib.ReplyUnauthenticated(w, "missing bearer token")
			return
		}
		claims, session, err := h.authenticate(r, token)
		if err != nil {
			httplib.ReplyUnauthenticated(w, err.Error())
			return
		}
		allowed := false
		for _, kind := range kinds {
			if claims.Kind == kind {
				allowed = true
				break
			}
		}
		if !allowed {
			httplib.ReplyError(w, trace.AccessDenied("%s credentials cannot access this resource", claims.Kind))
			return
		}
		out, err := fn(w, r, p, &authContext{Claims: claims, Session: session})
		if err != nil {
			if authsvc.IsUnauthenticated(err) {
				httplib.ReplyUnauthenticated(w, err.Error())
				return
			}
			httplib.ReplyError(w, err)
			return
		}
		if out != nil {
			httplib.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// authenticate resolves any accepted credential form: a signed bearer
// token, a raw API key, or an opaque claimable session token.
func (h *Handler) authenticate(r *http.Request, token string) (*authsvc.Claims, *authsvc.ClaimableSession, error) {
	ctx := r.Context()

	// Raw API keys are recognizable by their product prefix.
	if strings.HasPrefix(token, defaults.APIKeyPrefix+"_") {
		key, err := h.cfg.Auth.ValidateAPIKey(ctx, token)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return &authsvc.Claims{
			Kind:           authsvc.KindAPIKey,
			APIKeyID:       key.ID,
			OrganizationID: key.OrganizationID,
			Scopes:         key.Scopes,
		}, nil, nil
	}

	claims, err := h.cfg.Auth.ValidateToken(ctx, token)
	if err == nil {
		if claims.Kind != authsvc.KindEndUser {
			return claims, nil, nil
		}
		session, err := h.cfg.Auth.GetClaimableSession(ctx, claims.SessionID)
		if err != nil {
			return nil, nil, trace.Wrap(authsvc.ErrInvalidToken)
		}
		return claims, session, nil
	}
	if !errors.Is(err, authsvc.ErrInvalidToken) {
		// Expired or otherwise broken signed token, no fallback.
		return nil, nil, trace.Wrap(err)
	}
	// Not a signed token, it may be an opaque session token.
	session, sessionErr := h.cfg.Auth.ValidateSessionToken(ctx, token)
	if sessionErr != nil {
		return nil, nil, trace.Wrap(err)
	}
	return &authsvc.Claims{
		Kind:           authsvc.KindEndUser,
		SessionID:      session.ID,
		OrganizationID: session.OrganizationID,
	}, session, nil
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
