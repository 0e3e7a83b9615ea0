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

package httplib

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestReplyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "bad parameter", err: trace.BadParameter("missing compute id"), wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "access denied", err: trace.AccessDenied("no scope"), wantStatus: http.StatusForbidden, wantCode: "forbidden"},
		{name: "not found", err: trace.NotFound("no such compute"), wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "already exists", err: trace.AlreadyExists("duplicate preset"), wantStatus: http.StatusConflict, wantCode: "conflict"},
		{name: "connection problem", err: trace.ConnectionProblem(nil, "cluster unreachable"), wantStatus: http.StatusBadGateway, wantCode: "upstream_error"},
		{name: "wrapped not found", err: trace.Wrap(trace.NotFound("gone")), wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "unknown", err: trace.Errorf("boom"), wantStatus: http.StatusInternalServerError, wantCode: "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReplyError(rec, tt.err)
			require.Equal(t, tt.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	rec := httptest.NewRecorder()
	ReplyError(rec, trace.Errorf("pgx: connection refused at 10.1.2.3"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "internal server error", resp.Error.Message)
	require.NotContains(t, rec.Body.String(), "10.1.2.3")
}

func TestMakeHandler(t *testing.T) {
	router := httprouter.New()
	router.POST("/echo", MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
		if req.Name == "" {
			return nil, trace.BadParameter("missing name")
		}
		return map[string]string{"hello": req.Name}, nil
	}))

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/echo", "application/json", strings.NewReader(`{"name":"ada"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "ada", out["hello"])

	resp, err = http.Post(srv.URL+"/echo", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/echo", "application/json", strings.NewReader(`not-json`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
