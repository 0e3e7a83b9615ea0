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

package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/computehq/compute-gateway/lib/authsvc"
)

// Memory is an in-memory Store used in tests and single-process
// development. All records are copied on the way in and out so callers
// never share memory with the store.
type Memory struct {
	mu sync.RWMutex

	users         map[string]*authsvc.User
	usersByEmail  map[string]string
	orgs          map[string]*authsvc.Organization
	members       []authsvc.OrganizationMember
	keys          map[string]*authsvc.APIKey
	keysByHash    map[string]string
	sessions      map[string]*authsvc.ClaimableSession
	sessionsByTok map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]*authsvc.User),
		usersByEmail:  make(map[string]string),
		orgs:          make(map[string]*authsvc.Organization),
		keys:          make(map[string]*authsvc.APIKey),
		keysByHash:    make(map[string]string),
		sessions:      make(map[string]*authsvc.ClaimableSession),
		sessionsByTok: make(map[string]string),
	}
}

// CreateUser persists a new user.
func (m *Memory) CreateUser(ctx context.Context, user *authsvc.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(user.Email)
	if _, ok := m.usersByEmail[email]; ok {
		return trace.AlreadyExists("user %q already exists", user.Email)
	}
	u := *user
	m.users[u.ID] = &u
	m.usersByEmail[email] = u.ID
	return nil
}

// GetUserByEmail resolves a user by email, case-insensitively.
func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*authsvc.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, trace.NotFound("user %q not found", email)
	}
	u := *m.users[id]
	return &u, nil
}

// GetUserByID resolves a user by id.
func (m *Memory) GetUserByID(ctx context.Context, id string) (*authsvc.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, trace.NotFound("user %q not found", id)
	}
	u := *user
	return &u, nil
}

// CreateOrganization persists a new organization.
func (m *Memory) CreateOrganization(ctx context.Context, org *authsvc.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[org.ID]; ok {
		return trace.AlreadyExists("organization %q already exists", org.ID)
	}
	o := *org
	m.orgs[o.ID] = &o
	return nil
}

// GetOrganization resolves an organization by id.
func (m *Memory) GetOrganization(ctx context.Context, id string) (*authsvc.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, trace.NotFound("organization %q not found", id)
	}
	o := *org
	return &o, nil
}

// AddOrganizationMember links a user to an organization.
func (m *Memory) AddOrganizationMember(ctx context.Context, member *authsvc.OrganizationMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.members {
		if existing.UserID == member.UserID && existing.OrganizationID == member.OrganizationID {
			return trace.AlreadyExists("user %q is already a member of %q", member.UserID, member.OrganizationID)
		}
	}
	m.members = append(m.members, *member)
	return nil
}

// ListOrganizationsByUser returns the organizations a user belongs to.
func (m *Memory) ListOrganizationsByUser(ctx context.Context, userID string) ([]authsvc.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []authsvc.Organization
	for _, member := range m.members {
		if member.UserID != userID {
			continue
		}
		if org, ok := m.orgs[member.OrganizationID]; ok {
			out = append(out, *org)
		}
	}
	return out, nil
}

// CreateAPIKey persists a new API key record.
func (m *Memory) CreateAPIKey(ctx context.Context, key *authsvc.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keysByHash[key.KeyHash]; ok {
		return trace.AlreadyExists("api key already exists")
	}
	k := copyAPIKey(key)
	m.keys[k.ID] = k
	m.keysByHash[k.KeyHash] = k.ID
	return nil
}

// GetAPIKeyByHash resolves a key by its one-way hash.
func (m *Memory) GetAPIKeyByHash(ctx context.Context, hash string) (*authsvc.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keysByHash[hash]
	if !ok {
		return nil, trace.NotFound("api key not found")
	}
	return copyAPIKey(m.keys[id]), nil
}

// TouchAPIKey updates the last-used timestamp.
func (m *Memory) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return trace.NotFound("api key %q not found", id)
	}
	used := usedAt
	key.LastUsedAt = &used
	return nil
}

// ListAPIKeysByOrganization returns an organization's keys.
func (m *Memory) ListAPIKeysByOrganization(ctx context.Context, orgID string) ([]authsvc.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []authsvc.APIKey
	for _, key := range m.keys {
		if key.OrganizationID == orgID {
			out = append(out, *copyAPIKey(key))
		}
	}
	return out, nil
}

// CreateClaimableSession persists a new session.
func (m *Memory) CreateClaimableSession(ctx context.Context, session *authsvc.ClaimableSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessionsByTok[session.SessionToken]; ok {
		return trace.AlreadyExists("session token already exists")
	}
	s := copySession(session)
	m.sessions[s.ID] = s
	m.sessionsByTok[s.SessionToken] = s.ID
	return nil
}

// GetClaimableSession resolves a session by id.
func (m *Memory) GetClaimableSession(ctx context.Context, id string) (*authsvc.ClaimableSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %q not found", id)
	}
	return copySession(session), nil
}

// GetClaimableSessionByToken resolves a session by its opaque token.
func (m *Memory) GetClaimableSessionByToken(ctx context.Context, token string) (*authsvc.ClaimableSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionsByTok[token]
	if !ok {
		return nil, trace.NotFound("session not found")
	}
	return copySession(m.sessions[id]), nil
}

// AddSessionResource appends a resource grant to a session.
func (m *Memory) AddSessionResource(ctx context.Context, sessionID string, resource authsvc.SessionResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return trace.NotFound("session %q not found", sessionID)
	}
	session.Resources = append(session.Resources, resource)
	return nil
}

// ClaimSession atomically sets the claiming user where unclaimed.
func (m *Memory) ClaimSession(ctx context.Context, sessionID, userID string, claimedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return trace.NotFound("session %q not found", sessionID)
	}
	if session.ClaimedAt != nil {
		return trace.AlreadyExists("session %q is already claimed", sessionID)
	}
	claimed := claimedAt
	session.UserID = userID
	session.ClaimedAt = &claimed
	return nil
}

// ClaimSessionsByEmail claims every unclaimed session bound to the
// email.
func (m *Memory) ClaimSessionsByEmail(ctx context.Context, email, userID string, claimedAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(email)
	claimed := 0
	for _, session := range m.sessions {
		if session.ClaimedAt != nil || strings.ToLower(session.Email) != email {
			continue
		}
		at := claimedAt
		session.UserID = userID
		session.ClaimedAt = &at
		claimed++
	}
	return claimed, nil
}

func copyAPIKey(key *authsvc.APIKey) *authsvc.APIKey {
	k := *key
	k.Scopes = append([]string(nil), key.Scopes...)
	if key.ExpiresAt != nil {
		expires := *key.ExpiresAt
		k.ExpiresAt = &expires
	}
	if key.LastUsedAt != nil {
		used := *key.LastUsedAt
		k.LastUsedAt = &used
	}
	return &k
}

func copySession(session *authsvc.ClaimableSession) *authsvc.ClaimableSession {
	s := *session
	s.Resources = append([]authsvc.SessionResource(nil), session.Resources...)
	if session.Metadata != nil {
		s.Metadata = make(map[string]string, len(session.Metadata))
		for k, v := range session.Metadata {
			s.Metadata[k] = v
		}
	}
	if session.ClaimedAt != nil {
		claimed := *session.ClaimedAt
		s.ClaimedAt = &claimed
	}
	return &s
}
