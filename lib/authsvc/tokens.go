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
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Subject kinds carried in bearer token claims.
const (
	KindUser    = "user"
	KindAPIKey  = "api_key"
	KindEndUser = "end_user"
)

// Token uses distinguishing access from refresh tokens.
const (
	TokenUseAccess  = "access"
	TokenUseRefresh = "refresh"
)

// Claims are the typed claims of a gateway bearer token.
type Claims struct {
	// Kind is the subject kind: user, api_key or end_user.
	Kind string `json:"kind"`
	// TokenUse is access or refresh, empty for api_key and end_user
	// tokens.
	TokenUse string `json:"token_use,omitempty"`
	// UserID is set for user tokens.
	UserID string `json:"user_id,omitempty"`
	// APIKeyID is set for api_key tokens.
	APIKeyID string `json:"api_key_id,omitempty"`
	// SessionID is set for end_user tokens.
	SessionID string `json:"session_id,omitempty"`
	// OrganizationID is the organization bound to the credential.
	OrganizationID string `json:"org_id,omitempty"`
	// Scopes are the granted scopes.
	Scopes []string `json:"scopes,omitempty"`

	jwt.RegisteredClaims
}

// TokenServiceConfig configures bearer token signing.
type TokenServiceConfig struct {
	// Secret is the HMAC-SHA256 signing secret.
	Secret []byte
	// Issuer is stamped into and verified on every token.
	Issuer string
	// Clock drives issued-at and expiry.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *TokenServiceConfig) CheckAndSetDefaults() error {
	if len(c.Secret) == 0 {
		return trace.BadParameter("missing token signing secret")
	}
	if c.Issuer == "" {
		return trace.BadParameter("missing token issuer")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// TokenService signs and validates bearer tokens. Validation is purely
// functional, no state is consulted beyond the signing secret.
type TokenService struct {
	cfg TokenServiceConfig
}

// NewTokenService creates a token service.
func NewTokenService(cfg TokenServiceConfig) (*TokenService, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &TokenService{cfg: cfg}, nil
}

// Sign issues a token with the given claims. A zero ttl produces a
// token without expiry, bounded only by the credential record behind
// it.
func (s *TokenService) Sign(claims Claims, ttl time.Duration) (string, error) {
	now := s.cfg.Clock.Now()
	claims.Issuer = s.cfg.Issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.cfg.Secret)
	return signed, trace.Wrap(err)
}

// Validate parses and verifies a token, returning its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, trace.BadParameter("unexpected signing method %v", token.Header["alg"])
			}
			return s.cfg.Secret, nil
		},
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.cfg.Clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	switch claims.Kind {
	case KindUser, KindAPIKey, KindEndUser:
	default:
		return nil, ErrInvalidToken
	}
	normalizeClaimTimes(claims)
	return claims, nil
}

// normalizeClaimTimes pins parsed timestamps to UTC. NumericDate
// round-trips through time.Unix, which yields local-zone times, while
// the rest of the service stamps UTC.
func normalizeClaimTimes(claims *Claims) {
	for _, d := range []*jwt.NumericDate{claims.IssuedAt, claims.ExpiresAt, claims.NotBefore} {
		if d != nil {
			d.Time = d.Time.UTC()
		}
	}
}
