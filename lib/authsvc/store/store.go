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

// Package store defines the persistence surface of the authentication
// core and its implementations: a transactional Postgres store for
// production and an in-memory store for tests and development.
package store

import (
	"context"
	"time"

	"github.com/computehq/compute-gateway/lib/authsvc"
)

// Store is the persistence surface of the authentication core. Unique
// constraints on user email (case-insensitive), API key hash and
// session token are enforced by every implementation.
type Store interface {
	// CreateUser persists a new user. Fails with AlreadyExists on a
	// duplicate email.
	CreateUser(ctx context.Context, user *authsvc.User) error
	// GetUserByEmail resolves a user by lowercased email.
	GetUserByEmail(ctx context.Context, email string) (*authsvc.User, error)
	// GetUserByID resolves a user by id.
	GetUserByID(ctx context.Context, id string) (*authsvc.User, error)

	// CreateOrganization persists a new organization.
	CreateOrganization(ctx context.Context, org *authsvc.Organization) error
	// GetOrganization resolves an organization by id.
	GetOrganization(ctx context.Context, id string) (*authsvc.Organization, error)
	// AddOrganizationMember links a user to an organization.
	AddOrganizationMember(ctx context.Context, member *authsvc.OrganizationMember) error
	// ListOrganizationsByUser returns the organizations a user belongs
	// to.
	ListOrganizationsByUser(ctx context.Context, userID string) ([]authsvc.Organization, error)

	// CreateAPIKey persists a new API key record. Fails with
	// AlreadyExists on a duplicate hash.
	CreateAPIKey(ctx context.Context, key *authsvc.APIKey) error
	// GetAPIKeyByHash resolves a key by its one-way hash.
	GetAPIKeyByHash(ctx context.Context, hash string) (*authsvc.APIKey, error)
	// TouchAPIKey updates the last-used timestamp.
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error
	// ListAPIKeysByOrganization returns an organization's keys.
	ListAPIKeysByOrganization(ctx context.Context, orgID string) ([]authsvc.APIKey, error)

	// CreateClaimableSession persists a new session. Fails with
	// AlreadyExists on a duplicate token.
	CreateClaimableSession(ctx context.Context, session *authsvc.ClaimableSession) error
	// GetClaimableSession resolves a session by id, resource grants
	// included.
	GetClaimableSession(ctx context.Context, id string) (*authsvc.ClaimableSession, error)
	// GetClaimableSessionByToken resolves a session by its opaque
	// token.
	GetClaimableSessionByToken(ctx context.Context, token string) (*authsvc.ClaimableSession, error)
	// AddSessionResource appends a resource grant to a session.
	AddSessionResource(ctx context.Context, sessionID string, resource authsvc.SessionResource) error
	// ClaimSession atomically sets the claiming user where currently
	// unclaimed. Fails with AlreadyExists when the session is claimed.
	ClaimSession(ctx context.Context, sessionID, userID string, claimedAt time.Time) error
	// ClaimSessionsByEmail claims every unclaimed session bound to the
	// email and returns how many were claimed.
	ClaimSessionsByEmail(ctx context.Context, email, userID string, claimedAt time.Time) (int, error)
}
