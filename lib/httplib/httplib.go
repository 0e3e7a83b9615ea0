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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// HandlerFunc specifies an HTTP handler function that returns a JSON
// serializable result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("request: %v", err)
	}
	return nil
}

// maxRequestSize bounds admin API request bodies.
const maxRequestSize = 1 << 20

// ErrorMessage is the JSON body sent for failed requests. Code is a
// stable machine readable identifier, Message is short and human
// readable. Internal details are never included.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps the error payload.
type ErrorResponse struct {
	Error ErrorMessage `json:"error"`
}

// ReplyError maps an error to an HTTP status code and writes the JSON
// error body.
func ReplyError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	message := trace.UserMessage(err)
	if status == http.StatusInternalServerError {
		// Do not leak internals to clients, the full error is logged at
		// the call site.
		logrus.WithError(err).Error("Unexpected error handling request.")
		message = "internal server error"
	}
	ReplyJSON(w, status, ErrorResponse{Error: ErrorMessage{Code: code, Message: message}})
}

// ReplyJSON writes a JSON response with the given status code.
func ReplyJSON(w http.ResponseWriter, status int, val any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(val); err != nil {
		logrus.WithError(err).Warn("Failed writing JSON response.")
	}
}

func errorCode(err error) (string, int) {
	switch {
	case trace.IsBadParameter(err):
		return "invalid_request", http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return "forbidden", http.StatusForbidden
	case trace.IsNotFound(err):
		return "not_found", http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return "conflict", http.StatusConflict
	case trace.IsLimitExceeded(err):
		return "rate_limited", http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		return "upstream_error", http.StatusBadGateway
	default:
		return "internal", http.StatusInternalServerError
	}
}

// ReplyUnauthenticated writes the 401 error body. Authentication
// failures are not part of the trace taxonomy mapping above because
// they must be distinguishable from authorization failures.
func ReplyUnauthenticated(w http.ResponseWriter, message string) {
	ReplyJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error: ErrorMessage{Code: "unauthenticated", Message: message},
	})
}
