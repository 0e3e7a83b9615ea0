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
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/computehq/compute-gateway/lib/authsvc"
	"github.com/computehq/compute-gateway/lib/computes"
	"github.com/computehq/compute-gateway/lib/httplib"
)

func (h *Handler) createSandbox(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	var req computes.CreateComputeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := h.cfg.Computes.CreateCompute(r.Context(), req)
	return info, trace.Wrap(err)
}

func (h *Handler) listSandboxes(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	filter := computes.Filter{
		PresetID: r.URL.Query().Get("preset"),
	}
	if readyStr := r.URL.Query().Get("ready"); readyStr != "" {
		ready, err := strconv.ParseBool(readyStr)
		if err != nil {
			return nil, trace.BadParameter("invalid ready filter %q", readyStr)
		}
		filter.Ready = ready
	}
	infos, err := h.cfg.Computes.ListComputes(r.Context(), filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"sandboxes": infos}, nil
}

func (h *Handler) getSandbox(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	computeID := p.ByName("id")
	if err := h.authorizeCompute(auth, computeID); err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := h.cfg.Computes.GetCompute(r.Context(), computeID)
	return info, trace.Wrap(err)
}

func (h *Handler) deleteSandbox(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	computeID := p.ByName("id")
	if err := h.cfg.Computes.DeleteCompute(r.Context(), computeID); err != nil {
		return nil, trace.Wrap(err)
	}
	// Live preview connections are cut, their compute is gone.
	if h.cfg.WSProxy != nil {
		h.cfg.WSProxy.CloseConnections(computeID)
	}
	return map[string]string{"status": "deleted"}, nil
}

type findSandboxRequest struct {
	ComputeID string            `json:"computeId,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

func (h *Handler) findSandbox(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	var req findSandboxRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := h.cfg.Computes.FindCompute(r.Context(), req.ComputeID, req.Labels)
	return info, trace.Wrap(err)
}

func (h *Handler) findOrCreateSandbox(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	var req computes.CreateComputeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := h.cfg.Computes.FindOrCreateCompute(r.Context(), req)
	return info, trace.Wrap(err)
}

// extendSandbox keeps a compute alive: any pending idle teardown for
// it is cancelled, the next idle period starts the clock afresh.
func (h *Handler) extendSandbox(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	computeID := p.ByName("id")
	if err := h.authorizeCompute(auth, computeID); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.cfg.Computes.GetCompute(r.Context(), computeID); err != nil {
		return nil, trace.Wrap(err)
	}
	if h.cfg.Teardown != nil {
		h.cfg.Teardown.ConnectionOpened(computeID)
	}
	return map[string]string{"status": "extended"}, nil
}

// authorizeCompute enforces resource grants for end-user bearers.
// Users and API keys pass.
func (h *Handler) authorizeCompute(auth *authContext, computeID string) error {
	if auth.Claims.Kind != authsvc.KindEndUser {
		return nil
	}
	if auth.Session == nil || !auth.Session.AllowsCompute(computeID) {
		return trace.AccessDenied("session does not grant access to compute %q", computeID)
	}
	return nil
}
