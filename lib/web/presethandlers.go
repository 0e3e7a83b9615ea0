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

	"github.com/computehq/compute-gateway/lib/httplib"
	"github.com/computehq/compute-gateway/lib/presets"
)

func (h *Handler) listPresets(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	filter := presets.Filter{
		Name: r.URL.Query().Get("name"),
	}
	if versionStr := r.URL.Query().Get("version"); versionStr != "" {
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			return nil, trace.BadParameter("invalid version filter %q", versionStr)
		}
		filter.Version = version
	}
	return map[string]any{"presets": h.cfg.Presets.ListPresets(filter)}, nil
}

func (h *Handler) createPreset(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	var preset presets.Preset
	if err := httplib.ReadJSON(r, &preset); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Presets.CreatePreset(r.Context(), preset)
	return created, trace.Wrap(err)
}

func (h *Handler) getPreset(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	preset, err := h.cfg.Presets.GetPreset(p.ByName("id"))
	return preset, trace.Wrap(err)
}

func (h *Handler) updatePreset(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	var preset presets.Preset
	if err := httplib.ReadJSON(r, &preset); err != nil {
		return nil, trace.Wrap(err)
	}
	preset.PresetID = p.ByName("id")
	updated, err := h.cfg.Presets.UpdatePreset(r.Context(), preset)
	return updated, trace.Wrap(err)
}

func (h *Handler) deletePreset(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	if err := h.cfg.Presets.DeletePreset(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "deleted"}, nil
}
