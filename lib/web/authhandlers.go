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
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/computehq/compute-gateway/lib/authsvc"
	"github.com/computehq/compute-gateway/lib/httplib"
)

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type authResponse struct {
	User   *authsvc.User      `json:"user"`
	Tokens *authsvc.TokenPair `json:"tokens"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req registerRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Auth.RegisterUser(r.Context(), req.Email, req.Password, req.FirstName, req.LastName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Sessions invited to this email become the new user's.
	if _, err := h.cfg.Auth.ClaimAllSessionsByEmail(r.Context(), user.ID); err != nil {
		h.log.WithError(err).Warn("Failed to claim sessions for new user.")
	}
	tokens, err := h.cfg.Auth.GenerateUserTokens(r.Context(), user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &authResponse{User: user, Tokens: tokens}, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, tokens, err := h.cfg.Auth.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if authsvc.IsUnauthenticated(err) {
			httplib.ReplyUnauthenticated(w, "invalid credentials")
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	return &authResponse{User: user, Tokens: tokens}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req refreshRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	tokens, err := h.cfg.Auth.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		if authsvc.IsUnauthenticated(err) {
			httplib.ReplyUnauthenticated(w, "invalid refresh token")
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	return tokens, nil
}

type createOrganizationRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createOrganization(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	var req createOrganizationRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	org, err := h.cfg.Auth.CreateOrganization(r.Context(), req.Name, auth.Claims.UserID)
	return org, trace.Wrap(err)
}

type createAPIKeyRequest struct {
	OrganizationID string     `json:"organizationId"`
	Name           string     `json:"name"`
	Scopes         []string   `json:"scopes,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

func (h *Handler) createAPIKey(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	var req createAPIKeyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	// Only members may mint keys for an organization.
	orgs, err := h.cfg.Auth.ListOrganizations(r.Context(), auth.Claims.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	member := false
	for _, org := range orgs {
		if org.ID == req.OrganizationID {
			member = true
			break
		}
	}
	if !member {
		return nil, trace.AccessDenied("not a member of organization %q", req.OrganizationID)
	}
	created, err := h.cfg.Auth.CreateAPIKey(r.Context(), req.OrganizationID, req.Name, req.Scopes, req.ExpiresAt)
	return created, trace.Wrap(err)
}

type createSessionRequest struct {
	Email     string                    `json:"email,omitempty"`
	Metadata  map[string]string         `json:"metadata,omitempty"`
	Resources []authsvc.SessionResource `json:"resources,omitempty"`
}

type sessionResponse struct {
	Session *authsvc.ClaimableSession `json:"session"`
	// Token is the opaque session token, returned only at creation.
	Token string `json:"token,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	var req createSessionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := h.cfg.Auth.CreateClaimableSession(r.Context(),
		auth.Claims.OrganizationID, req.Email, req.Metadata, req.Resources)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &sessionResponse{Session: session, Token: session.SessionToken}, nil
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	session, err := h.cfg.Auth.GetClaimableSession(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if auth.Claims.Kind == authsvc.KindAPIKey && session.OrganizationID != auth.Claims.OrganizationID {
		return nil, trace.AccessDenied("session belongs to another organization")
	}
	return &sessionResponse{Session: session}, nil
}

func (h *Handler) claimSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	session, err := h.cfg.Auth.ClaimSession(r.Context(), p.ByName("id"), auth.Claims.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &sessionResponse{Session: session}, nil
}

func (h *Handler) addSessionResource(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	var resource authsvc.SessionResource
	if err := httplib.ReadJSON(r, &resource); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := h.cfg.Auth.GetClaimableSession(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session.OrganizationID != auth.Claims.OrganizationID {
		return nil, trace.AccessDenied("session belongs to another organization")
	}
	updated, err := h.cfg.Auth.AddResourceToSession(r.Context(), session.ID, resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &sessionResponse{Session: updated}, nil
}

func (h *Handler) claimSessionsByEmail(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	claimed, err := h.cfg.Auth.ClaimAllSessionsByEmail(r.Context(), auth.Claims.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]int{"claimed": claimed}, nil
}

func (h *Handler) authStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	return map[string]any{
		"authenticated": true,
		"kind":          auth.Claims.Kind,
	}, nil
}

func (h *Handler) authInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params, auth *authContext) (any, error) {
	info := map[string]any{
		"kind":   auth.Claims.Kind,
		"scopes": auth.Claims.Scopes,
	}
	switch auth.Claims.Kind {
	case authsvc.KindUser:
		user, err := h.cfg.Auth.GetUser(r.Context(), auth.Claims.UserID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		info["user"] = user
		orgs, err := h.cfg.Auth.ListOrganizations(r.Context(), user.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		info["organizations"] = orgs
	case authsvc.KindAPIKey:
		info["organizationId"] = auth.Claims.OrganizationID
	case authsvc.KindEndUser:
		info["sessionId"] = auth.Claims.SessionID
		info["organizationId"] = auth.Claims.OrganizationID
		if auth.Session != nil {
			info["resources"] = auth.Session.Resources
		}
	}
	return info, nil
}
