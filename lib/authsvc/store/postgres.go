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
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/computehq/compute-gateway/lib/authsvc"
	"github.com/computehq/compute-gateway/lib/defaults"
)

// uniqueViolation is the Postgres error code for unique constraint
// violations.
const uniqueViolation = "23505"

// Postgres is the production Store backed by a pgx connection pool.
// Every call runs under a bounded timeout so a stalled database cannot
// wedge request handlers.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres connects to the database at the given DSN.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, trace.ConnectionProblem(err, "database unreachable")
	}
	return &Postgres{pool: pool, timeout: defaults.DatabaseTimeout}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate bootstraps the schema. Statements are idempotent so repeated
// startups are safe.
func (p *Postgres) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			password_hash BYTEA NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users (LOWER(email))`,
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS organization_members (
			user_id TEXT NOT NULL REFERENCES users (id),
			organization_id TEXT NOT NULL REFERENCES organizations (id),
			role TEXT NOT NULL,
			PRIMARY KEY (user_id, organization_id)
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL REFERENCES organizations (id),
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			scopes TEXT[] NOT NULL DEFAULT '{}',
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS claimable_sessions (
			id TEXT PRIMARY KEY,
			session_token TEXT NOT NULL UNIQUE,
			organization_id TEXT NOT NULL REFERENCES organizations (id),
			email TEXT NOT NULL DEFAULT '',
			user_id TEXT,
			claimed_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}',
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_resources (
			session_id TEXT NOT NULL REFERENCES claimable_sessions (id) ON DELETE CASCADE,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			permissions TEXT[] NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS session_resources_session_idx ON session_resources (session_id)`,
		`CREATE INDEX IF NOT EXISTS claimable_sessions_email_idx ON claimable_sessions (LOWER(email)) WHERE claimed_at IS NULL`,
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return trace.Wrap(err, "applying schema")
		}
	}
	return nil
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

// CreateUser persists a new user.
func (p *Postgres) CreateUser(ctx context.Context, user *authsvc.User) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, first_name, last_name, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.IsActive, user.CreatedAt)
	if isUniqueViolation(err) {
		return trace.AlreadyExists("user %q already exists", user.Email)
	}
	return trace.Wrap(err)
}

// GetUserByEmail resolves a user by email, case-insensitively.
func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*authsvc.User, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	row := p.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, first_name, last_name, is_active, created_at
		 FROM users WHERE LOWER(email) = LOWER($1)`, email)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("user %q not found", email)
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// GetUserByID resolves a user by id.
func (p *Postgres) GetUserByID(ctx context.Context, id string) (*authsvc.User, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	row := p.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, first_name, last_name, is_active, created_at
		 FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("user %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// CreateOrganization persists a new organization.
func (p *Postgres) CreateOrganization(ctx context.Context, org *authsvc.Organization) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt)
	if isUniqueViolation(err) {
		return trace.AlreadyExists("organization %q already exists", org.ID)
	}
	return trace.Wrap(err)
}

// GetOrganization resolves an organization by id.
func (p *Postgres) GetOrganization(ctx context.Context, id string) (*authsvc.Organization, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var org authsvc.Organization
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM organizations WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("organization %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &org, nil
}

// AddOrganizationMember links a user to an organization.
func (p *Postgres) AddOrganizationMember(ctx context.Context, member *authsvc.OrganizationMember) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO organization_members (user_id, organization_id, role) VALUES ($1, $2, $3)`,
		member.UserID, member.OrganizationID, member.Role)
	if isUniqueViolation(err) {
		return trace.AlreadyExists("user %q is already a member of %q", member.UserID, member.OrganizationID)
	}
	return trace.Wrap(err)
}

// ListOrganizationsByUser returns the organizations a user belongs to.
func (p *Postgres) ListOrganizationsByUser(ctx context.Context, userID string) ([]authsvc.Organization, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.pool.Query(ctx,
		`SELECT o.id, o.name, o.created_at
		 FROM organizations o
		 JOIN organization_members m ON m.organization_id = o.id
		 WHERE m.user_id = $1
		 ORDER BY o.created_at`, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []authsvc.Organization
	for rows.Next() {
		var org authsvc.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, org)
	}
	return out, trace.Wrap(rows.Err())
}

// CreateAPIKey persists a new API key record.
func (p *Postgres) CreateAPIKey(ctx context.Context, key *authsvc.APIKey) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO api_keys (id, organization_id, name, key_hash, key_prefix, scopes, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OrganizationID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.ExpiresAt, key.CreatedAt)
	if isUniqueViolation(err) {
		return trace.AlreadyExists("api key already exists")
	}
	return trace.Wrap(err)
}

// GetAPIKeyByHash resolves a key by its one-way hash.
func (p *Postgres) GetAPIKeyByHash(ctx context.Context, hash string) (*authsvc.APIKey, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	row := p.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at
		 FROM api_keys WHERE key_hash = $1`, hash)
	key, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("api key not found")
		}
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// TouchAPIKey updates the last-used timestamp.
func (p *Postgres) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, usedAt)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("api key %q not found", id)
	}
	return nil
}

// ListAPIKeysByOrganization returns an organization's keys.
func (p *Postgres) ListAPIKeysByOrganization(ctx context.Context, orgID string) ([]authsvc.APIKey, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.pool.Query(ctx,
		`SELECT id, organization_id, name, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at
		 FROM api_keys WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []authsvc.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *key)
	}
	return out, trace.Wrap(rows.Err())
}

// CreateClaimableSession persists a new session with its initial
// resource grants in one transaction.
func (p *Postgres) CreateClaimableSession(ctx context.Context, session *authsvc.ClaimableSession) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx,
		`INSERT INTO claimable_sessions (id, session_token, organization_id, email, user_id, claimed_at, metadata, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		session.ID, session.SessionToken, session.OrganizationID, session.Email,
		session.UserID, session.ClaimedAt, session.Metadata, session.ExpiresAt, session.CreatedAt)
	if isUniqueViolation(err) {
		return trace.AlreadyExists("session token already exists")
	}
	if err != nil {
		return trace.Wrap(err)
	}
	for _, res := range session.Resources {
		_, err = tx.Exec(ctx,
			`INSERT INTO session_resources (session_id, resource_type, resource_id, permissions)
			 VALUES ($1, $2, $3, $4)`,
			session.ID, res.ResourceType, res.ResourceID, res.Permissions)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(tx.Commit(ctx))
}

// GetClaimableSession resolves a session by id.
func (p *Postgres) GetClaimableSession(ctx context.Context, id string) (*authsvc.ClaimableSession, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.getSession(ctx, `WHERE id = $1`, id)
}

// GetClaimableSessionByToken resolves a session by its opaque token.
func (p *Postgres) GetClaimableSessionByToken(ctx context.Context, token string) (*authsvc.ClaimableSession, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.getSession(ctx, `WHERE session_token = $1`, token)
}

func (p *Postgres) getSession(ctx context.Context, where, arg string) (*authsvc.ClaimableSession, error) {
	var session authsvc.ClaimableSession
	var userID *string
	err := p.pool.QueryRow(ctx,
		`SELECT id, session_token, organization_id, email, user_id, claimed_at, metadata, expires_at, created_at
		 FROM claimable_sessions `+where, arg).
		Scan(&session.ID, &session.SessionToken, &session.OrganizationID, &session.Email,
			&userID, &session.ClaimedAt, &session.Metadata, &session.ExpiresAt, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("session not found")
		}
		return nil, trace.Wrap(err)
	}
	if userID != nil {
		session.UserID = *userID
	}
	rows, err := p.pool.Query(ctx,
		`SELECT resource_type, resource_id, permissions FROM session_resources WHERE session_id = $1`,
		session.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var res authsvc.SessionResource
		if err := rows.Scan(&res.ResourceType, &res.ResourceID, &res.Permissions); err != nil {
			return nil, trace.Wrap(err)
		}
		session.Resources = append(session.Resources, res)
	}
	return &session, trace.Wrap(rows.Err())
}

// AddSessionResource appends a resource grant to a session.
func (p *Postgres) AddSessionResource(ctx context.Context, sessionID string, resource authsvc.SessionResource) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO session_resources (session_id, resource_type, resource_id, permissions)
		 SELECT id, $2, $3, $4 FROM claimable_sessions WHERE id = $1`,
		sessionID, resource.ResourceType, resource.ResourceID, resource.Permissions)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("session %q not found", sessionID)
	}
	return nil
}

// ClaimSession atomically sets the claiming user where unclaimed. The
// WHERE clause is the concurrency guard, only one claimant can win.
func (p *Postgres) ClaimSession(ctx context.Context, sessionID, userID string, claimedAt time.Time) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		`UPDATE claimable_sessions SET user_id = $2, claimed_at = $3
		 WHERE id = $1 AND claimed_at IS NULL`,
		sessionID, userID, claimedAt)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetClaimableSession(ctx, sessionID); getErr != nil {
			return trace.Wrap(getErr)
		}
		return trace.AlreadyExists("session %q is already claimed", sessionID)
	}
	return nil
}

// ClaimSessionsByEmail claims every unclaimed session bound to the
// email.
func (p *Postgres) ClaimSessionsByEmail(ctx context.Context, email, userID string, claimedAt time.Time) (int, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		`UPDATE claimable_sessions SET user_id = $2, claimed_at = $3
		 WHERE LOWER(email) = LOWER($1) AND claimed_at IS NULL`,
		email, userID, claimedAt)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*authsvc.User, error) {
	var user authsvc.User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash,
		&user.FirstName, &user.LastName, &user.IsActive, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func scanAPIKey(row rowScanner) (*authsvc.APIKey, error) {
	var key authsvc.APIKey
	err := row.Scan(&key.ID, &key.OrganizationID, &key.Name, &key.KeyHash, &key.KeyPrefix,
		&key.Scopes, &key.ExpiresAt, &key.LastUsedAt, &key.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
