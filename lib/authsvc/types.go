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

// Package authsvc implements the gateway authentication core: users,
// organizations, API keys, claimable sessions and signed bearer
// tokens.
package authsvc

import (
	"time"
)

// User is a registered operator account. The password is stored as a
// salted bcrypt hash, cleartext is never persisted.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	FirstName    string    `json:"firstName,omitempty"`
	LastName     string    `json:"lastName,omitempty"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Organization groups users and owns API keys.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrganizationMember links a user to an organization with a role.
type OrganizationMember struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Role           string `json:"role"`
}

// APIKey authenticates an organization. Only the one-way hash and a
// short display prefix are stored, the full key is shown once at
// creation.
type APIKey struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Name           string     `json:"name"`
	KeyHash        string     `json:"-"`
	KeyPrefix      string     `json:"keyPrefix"`
	Scopes         []string   `json:"scopes"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Expired reports whether the key is past its expiry at the given
// time.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// ClaimableSession is a delegated, scoped credential a browser can
// exchange for end-user bearer tokens. Once claimed it is linked to
// the claiming user irrevocably.
type ClaimableSession struct {
	ID             string            `json:"id"`
	SessionToken   string            `json:"-"`
	OrganizationID string            `json:"organizationId"`
	Email          string            `json:"email,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	ClaimedAt      *time.Time        `json:"claimedAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Resources      []SessionResource `json:"resources,omitempty"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// SessionResource is a single resource grant on a claimable session.
// The grants on a session are the complete authority of its bearers.
type SessionResource struct {
	ResourceType string   `json:"resourceType"`
	ResourceID   string   `json:"resourceId"`
	Permissions  []string `json:"permissions"`
}

// Claimed reports whether the session has been claimed by a user.
func (s *ClaimableSession) Claimed() bool {
	return s.ClaimedAt != nil
}

// Expired reports whether the session is past its expiry.
func (s *ClaimableSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AllowsCompute reports whether the session grants access to the given
// compute.
func (s *ClaimableSession) AllowsCompute(computeID string) bool {
	for _, res := range s.Resources {
		if res.ResourceType == ResourceTypeCompute && res.ResourceID == computeID {
			return true
		}
	}
	return false
}

// ResourceTypeCompute is the resource type of compute grants on
// claimable sessions.
const ResourceTypeCompute = "compute"
