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

package authsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/defaults"
	"github.com/computehq/compute-gateway/lib/utils"
)

// Store is the persistence surface the service runs on. It is defined
// where it is consumed so the storage package stays importable on its
// own.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	AddOrganizationMember(ctx context.Context, member *OrganizationMember) error
	ListOrganizationsByUser(ctx context.Context, userID string) ([]Organization, error)

	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error
	ListAPIKeysByOrganization(ctx context.Context, orgID string) ([]APIKey, error)

	CreateClaimableSession(ctx context.Context, session *ClaimableSession) error
	GetClaimableSession(ctx context.Context, id string) (*ClaimableSession, error)
	GetClaimableSessionByToken(ctx context.Context, token string) (*ClaimableSession, error)
	AddSessionResource(ctx context.Context, sessionID string, resource SessionResource) error
	ClaimSession(ctx context.Context, sessionID, userID string, claimedAt time.Time) error
	ClaimSessionsByEmail(ctx context.Context, email, userID string, claimedAt time.Time) (int, error)
}

// ServiceConfig configures the authentication core.
type ServiceConfig struct {
	// Store is the backing persistence layer.
	Store Store
	// Tokens signs and validates bearer tokens.
	Tokens *TokenService
	// Clock drives expiry decisions. Tests inject a fake clock.
	Clock clockwork.Clock
	// Log is the logger, a component entry is derived from it.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Tokens == nil {
		return trace.BadParameter("missing parameter Tokens")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentAuth,
		})
	}
	return nil
}

// Service is the gateway authentication core. It issues and validates
// every credential kind the gateway accepts: passwords, API keys,
// claimable session tokens and signed bearer tokens.
type Service struct {
	cfg ServiceConfig
	log *logrus.Entry
}

// NewService creates an authentication service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg, log: cfg.Log}, nil
}

// dummyHash is compared against when the user lookup fails so that
// authentication takes the same time whether or not the email exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), bcrypt.DefaultCost)

// RegisterUser creates a user with a bcrypt password hash. The email is
// normalized to lower case.
func (s *Service) RegisterUser(ctx context.Context, email, password, firstName, lastName string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, trace.BadParameter("invalid email %q", email)
	}
	if len(password) < 8 {
		return nil, trace.BadParameter("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    firstName,
		LastName:     lastName,
		IsActive:     true,
		CreatedAt:    s.cfg.Clock.Now().UTC(),
	}
	if err := s.cfg.Store.CreateUser(ctx, user); err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.WithField("email", email).Info("Registered user.")
	return user, nil
}

// AuthenticateUser verifies an email/password pair and issues an
// access/refresh token pair. Unknown emails, inactive users and wrong
// passwords all fail identically.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*User, *TokenPair, error) {
	user, err := s.cfg.Store.GetUserByEmail(ctx, email)
	if err != nil || !user.IsActive {
		// Burn a comparison so the timing does not reveal whether the
		// account exists.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, nil, trace.Wrap(ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, nil, trace.Wrap(ErrInvalidCredentials)
	}
	pair, err := s.GenerateUserTokens(ctx, user)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return user, pair, nil
}

// TokenPair is an access/refresh token pair issued to users.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// GenerateUserTokens issues a fresh access/refresh pair for a user.
func (s *Service) GenerateUserTokens(ctx context.Context, user *User) (*TokenPair, error) {
	access, err := s.cfg.Tokens.Sign(Claims{
		Kind:     KindUser,
		TokenUse: TokenUseAccess,
		UserID:   user.ID,
	}, defaults.AccessTokenTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresh, err := s.cfg.Tokens.Sign(Claims{
		Kind:     KindUser,
		TokenUse: TokenUseRefresh,
		UserID:   user.ID,
	}, defaults.RefreshTokenTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(defaults.AccessTokenTTL.Seconds()),
	}, nil
}

// RefreshTokens exchanges a valid refresh token for a fresh pair.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.cfg.Tokens.Validate(refreshToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Kind != KindUser || claims.TokenUse != TokenUseRefresh {
		return nil, trace.Wrap(ErrInvalidToken)
	}
	user, err := s.cfg.Store.GetUserByID(ctx, claims.UserID)
	if err != nil || !user.IsActive {
		return nil, trace.Wrap(ErrInvalidToken)
	}
	pair, err := s.GenerateUserTokens(ctx, user)
	return pair, trace.Wrap(err)
}

// CreatedAPIKey is the creation result carrying the raw key, shown
// exactly once.
type CreatedAPIKey struct {
	Key *APIKey `json:"key"`
	// Raw is the full key material. It is never stored or shown again.
	Raw string `json:"raw"`
}

// CreateAPIKey mints a key for an organization. The stored record holds
// only a one-way hash and a short display prefix.
func (s *Service) CreateAPIKey(ctx context.Context, orgID, name string, scopes []string, expiresAt *time.Time) (*CreatedAPIKey, error) {
	if orgID == "" {
		return nil, trace.BadParameter("missing parameter orgID")
	}
	if name == "" {
		return nil, trace.BadParameter("missing parameter name")
	}
	if _, err := s.cfg.Store.GetOrganization(ctx, orgID); err != nil {
		return nil, trace.Wrap(err)
	}
	secret, err := utils.RandomHex(32)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	raw := defaults.APIKeyPrefix + "_" + secret
	key := &APIKey{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           name,
		KeyHash:        hashAPIKey(raw),
		KeyPrefix:      raw[:defaults.APIKeyDisplayPrefixLength],
		Scopes:         append([]string(nil), scopes...),
		ExpiresAt:      expiresAt,
		CreatedAt:      s.cfg.Clock.Now().UTC(),
	}
	if err := s.cfg.Store.CreateAPIKey(ctx, key); err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.WithFields(logrus.Fields{
		"org":    orgID,
		"prefix": key.KeyPrefix,
	}).Info("Created API key.")
	return &CreatedAPIKey{Key: key, Raw: raw}, nil
}

// ValidateAPIKey resolves a raw key to its record. Unknown and expired
// keys fail with authentication errors, not NotFound, so the HTTP layer
// answers 401.
func (s *Service) ValidateAPIKey(ctx context.Context, raw string) (*APIKey, error) {
	if !strings.HasPrefix(raw, defaults.APIKeyPrefix+"_") {
		return nil, trace.Wrap(ErrInvalidToken)
	}
	key, err := s.cfg.Store.GetAPIKeyByHash(ctx, hashAPIKey(raw))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(ErrInvalidToken)
		}
		return nil, trace.Wrap(err)
	}
	if key.Expired(s.cfg.Clock.Now()) {
		return nil, trace.Wrap(ErrExpiredToken)
	}
	usedAt := s.cfg.Clock.Now().UTC()
	if err := s.cfg.Store.TouchAPIKey(ctx, key.ID, usedAt); err != nil {
		s.log.WithError(err).Warn("Failed to record API key use.")
	} else {
		key.LastUsedAt = &usedAt
	}
	return key, nil
}

// GenerateAPIKeyToken issues a bearer token for a validated API key.
// The token itself carries no expiry, the key record bounds it.
func (s *Service) GenerateAPIKeyToken(ctx context.Context, key *APIKey) (string, error) {
	token, err := s.cfg.Tokens.Sign(Claims{
		Kind:           KindAPIKey,
		APIKeyID:       key.ID,
		OrganizationID: key.OrganizationID,
		Scopes:         key.Scopes,
	}, 0)
	return token, trace.Wrap(err)
}

// CreateOrganization creates an organization, optionally making the
// given user its first member.
func (s *Service) CreateOrganization(ctx context.Context, name, ownerUserID string) (*Organization, error) {
	if name == "" {
		return nil, trace.BadParameter("missing parameter name")
	}
	org := &Organization{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: s.cfg.Clock.Now().UTC(),
	}
	if err := s.cfg.Store.CreateOrganization(ctx, org); err != nil {
		return nil, trace.Wrap(err)
	}
	if ownerUserID != "" {
		member := &OrganizationMember{
			UserID:         ownerUserID,
			OrganizationID: org.ID,
			Role:           "owner",
		}
		if err := s.cfg.Store.AddOrganizationMember(ctx, member); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return org, nil
}

// CreateClaimableSession mints a delegated session for an organization.
// The opaque token is high-entropy and returned once.
func (s *Service) CreateClaimableSession(ctx context.Context, orgID, email string, metadata map[string]string, resources []SessionResource) (*ClaimableSession, error) {
	if orgID == "" {
		return nil, trace.BadParameter("missing parameter orgID")
	}
	if _, err := s.cfg.Store.GetOrganization(ctx, orgID); err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := utils.RandomHex(32)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	session := &ClaimableSession{
		ID:             uuid.NewString(),
		SessionToken:   token,
		OrganizationID: orgID,
		Email:          strings.ToLower(strings.TrimSpace(email)),
		Metadata:       metadata,
		Resources:      resources,
		ExpiresAt:      now.Add(defaults.ClaimableSessionTTL),
		CreatedAt:      now,
	}
	if err := s.cfg.Store.CreateClaimableSession(ctx, session); err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.WithFields(logrus.Fields{
		"org":     orgID,
		"session": session.ID,
	}).Info("Created claimable session.")
	return session, nil
}

// GetClaimableSession returns a session by id.
func (s *Service) GetClaimableSession(ctx context.Context, id string) (*ClaimableSession, error) {
	session, err := s.cfg.Store.GetClaimableSession(ctx, id)
	return session, trace.Wrap(err)
}

// AddResourceToSession appends a resource grant to an unclaimed,
// unexpired session. Grants on claimed sessions are frozen.
func (s *Service) AddResourceToSession(ctx context.Context, sessionID string, resource SessionResource) (*ClaimableSession, error) {
	if resource.ResourceType == "" || resource.ResourceID == "" {
		return nil, trace.BadParameter("missing resource type or id")
	}
	session, err := s.cfg.Store.GetClaimableSession(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session.Claimed() {
		return nil, trace.AlreadyExists("session %q is already claimed", sessionID)
	}
	if session.Expired(s.cfg.Clock.Now()) {
		return nil, trace.Wrap(ErrExpiredToken)
	}
	if err := s.cfg.Store.AddSessionResource(ctx, sessionID, resource); err != nil {
		return nil, trace.Wrap(err)
	}
	session.Resources = append(session.Resources, resource)
	return session, nil
}

// ValidateSessionToken resolves an opaque session token to its session.
// Expired sessions fail regardless of claim state.
func (s *Service) ValidateSessionToken(ctx context.Context, token string) (*ClaimableSession, error) {
	session, err := s.cfg.Store.GetClaimableSessionByToken(ctx, token)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(ErrInvalidToken)
		}
		return nil, trace.Wrap(err)
	}
	if session.Expired(s.cfg.Clock.Now()) {
		return nil, trace.Wrap(ErrExpiredToken)
	}
	return session, nil
}

// GenerateEndUserToken issues an end-user bearer for a session. Its
// lifetime never exceeds the session remainder.
func (s *Service) GenerateEndUserToken(ctx context.Context, session *ClaimableSession) (string, error) {
	remaining := session.ExpiresAt.Sub(s.cfg.Clock.Now())
	if remaining <= 0 {
		return "", trace.Wrap(ErrExpiredToken)
	}
	ttl := defaults.AccessTokenTTL
	if remaining < ttl {
		ttl = remaining
	}
	token, err := s.cfg.Tokens.Sign(Claims{
		Kind:           KindEndUser,
		SessionID:      session.ID,
		OrganizationID: session.OrganizationID,
	}, ttl)
	return token, trace.Wrap(err)
}

// ClaimSession permanently links a session to a user. Claiming is
// first-writer-wins, a second claim fails.
func (s *Service) ClaimSession(ctx context.Context, sessionID, userID string) (*ClaimableSession, error) {
	if _, err := s.cfg.Store.GetUserByID(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := s.cfg.Store.GetClaimableSession(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session.Expired(s.cfg.Clock.Now()) {
		return nil, trace.Wrap(ErrExpiredToken)
	}
	if err := s.cfg.Store.ClaimSession(ctx, sessionID, userID, s.cfg.Clock.Now().UTC()); err != nil {
		return nil, trace.Wrap(err)
	}
	claimed, err := s.cfg.Store.GetClaimableSession(ctx, sessionID)
	return claimed, trace.Wrap(err)
}

// ClaimAllSessionsByEmail claims every unclaimed session addressed to
// the user's email, typically right after registration.
func (s *Service) ClaimAllSessionsByEmail(ctx context.Context, userID string) (int, error) {
	user, err := s.cfg.Store.GetUserByID(ctx, userID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	claimed, err := s.cfg.Store.ClaimSessionsByEmail(ctx, user.Email, userID, s.cfg.Clock.Now().UTC())
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if claimed > 0 {
		s.log.WithFields(logrus.Fields{
			"user":    userID,
			"claimed": claimed,
		}).Info("Claimed sessions by email.")
	}
	return claimed, nil
}

// ValidateToken verifies a bearer token of any kind and returns its
// claims.
func (s *Service) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.cfg.Tokens.Validate(token)
	return claims, trace.Wrap(err)
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := s.cfg.Store.GetUserByID(ctx, id)
	return user, trace.Wrap(err)
}

// ListOrganizations returns the organizations a user belongs to.
func (s *Service) ListOrganizations(ctx context.Context, userID string) ([]Organization, error) {
	orgs, err := s.cfg.Store.ListOrganizationsByUser(ctx, userID)
	return orgs, trace.Wrap(err)
}

// hashAPIKey is the one-way hash stored in place of raw key material.
// The full display form is hashed so a leaked database cannot be used
// to reconstruct keys.
func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
