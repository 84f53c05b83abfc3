// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements storage.GrantStore on a SQLite database file for
// single-node deployments that must survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/logger"
	"github.com/stacklok/grantengine/pkg/storage"
)

// Store implements storage.GrantStore using SQLite.
//
// The pool holds a single connection, so transactions never interleave and
// the conditional UPDATE in ExchangeCode is the only code transition.
type Store struct {
	db *sql.DB
}

var _ storage.GrantStore = (*Store)(nil)

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debugw("opened sqlite grant store", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health implements storage.GrantStore.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Put implements storage.GrantStore.
func (s *Store) Put(ctx context.Context, g *grant.Grant) error {
	stored, err := storage.PrepareGrant(g)
	if err != nil {
		return err
	}
	scopes, err := encodeScopes(stored.Scopes)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO grants (
			id, grant_type, client_id, subject, scopes, nonce,
			auth_time, revoked, revoked_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, string(stored.Type), stored.ClientID, stored.Subject, scopes, stored.Nonce,
		toNanos(stored.AuthTime), stored.Revoked, toNanos(stored.RevokedAt), toNanos(stored.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Duplicate("grant " + stored.ID)
		}
		return fmt.Errorf("inserting grant: %w", err)
	}

	if c := stored.Code; c != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO authorization_codes (
				code, grant_id, state, redirect_uri, code_challenge,
				code_challenge_method, issued_at, expires_at, exchanged_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Value, stored.ID, c.State.String(), c.RedirectURI, c.CodeChallenge,
			c.CodeChallengeMethod, toNanos(c.IssuedAt), toNanos(c.ExpiresAt), toNanos(c.ExchangedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.Duplicate("authorization code")
			}
			return fmt.Errorf("inserting authorization code: %w", err)
		}
	}

	if err := insertTokens(ctx, tx, stored.Tokens); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get implements storage.GrantStore.
func (s *Store) Get(ctx context.Context, id string) (*grant.Grant, error) {
	return loadGrant(ctx, s.db, id)
}

// FindByCode implements storage.GrantStore.
func (s *Store) FindByCode(ctx context.Context, code string) (*grant.Grant, bool, error) {
	var grantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT grant_id FROM authorization_codes WHERE code = ?`, code,
	).Scan(&grantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("looking up authorization code: %w", err)
	}
	g, err := loadGrant(ctx, s.db, grantID)
	if err != nil {
		return nil, false, err
	}
	return g, true, nil
}

// FindByToken implements storage.GrantStore.
func (s *Store) FindByToken(ctx context.Context, value string) (*storage.TokenRecord, bool, error) {
	grantID, found, err := liveTokenGrant(ctx, s.db, value)
	if err != nil || !found {
		return nil, false, err
	}
	g, err := loadGrant(ctx, s.db, grantID)
	if err != nil {
		return nil, false, err
	}
	t, ok := g.Token(value)
	if !ok {
		return nil, false, nil
	}
	return &storage.TokenRecord{Token: t, Grant: g}, true, nil
}

// ExchangeCode implements storage.GrantStore.
func (s *Store) ExchangeCode(ctx context.Context, code string, now time.Time) (*grant.Grant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE authorization_codes SET state = ?, exchanged_at = ?
		WHERE code = ? AND state = ? AND expires_at > ?`,
		grant.CodeExchanged.String(), toNanos(now), code, grant.CodeIssued.String(), toNanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	exchanged, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	if exchanged == 0 {
		// Record the expiry so later attempts observe the terminal state.
		if _, err := tx.ExecContext(ctx, `
			UPDATE authorization_codes SET state = ?
			WHERE code = ? AND state = ? AND expires_at <= ?`,
			grant.CodeExpired.String(), code, grant.CodeIssued.String(), toNanos(now),
		); err != nil {
			return nil, fmt.Errorf("expiring authorization code: %w", err)
		}
		state, found, err := codeState(ctx, tx, code)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing transaction: %w", err)
		}
		if !found {
			return nil, grantErrors.New(grantErrors.TypeNotFound, "authorization code not found", nil)
		}
		return nil, state.Err()
	}

	var grantID string
	if err := tx.QueryRowContext(ctx,
		`SELECT grant_id FROM authorization_codes WHERE code = ?`, code,
	).Scan(&grantID); err != nil {
		return nil, fmt.Errorf("looking up authorization code: %w", err)
	}
	g, err := loadGrant(ctx, tx, grantID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	logger.Debugw("exchanged authorization code", "grant_id", g.ID, "client_id", g.ClientID)
	return g, nil
}

// AppendTokens implements storage.GrantStore.
func (s *Store) AppendTokens(ctx context.Context, grantID string, tokens ...*grant.Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	g, err := loadGrant(ctx, tx, grantID)
	if err != nil {
		return err
	}
	if err := storage.PrepareAppend(g, tokens); err != nil {
		return err
	}
	if err := insertTokens(ctx, tx, tokens); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RotateRefreshToken implements storage.GrantStore.
func (s *Store) RotateRefreshToken(
	ctx context.Context, value string, now time.Time, replacements ...*grant.Token,
) (*grant.Grant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	grantID, found, err := liveTokenGrant(ctx, tx, value)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, grantErrors.New(grantErrors.TypeNotFound, "refresh token not found", nil)
	}
	g, err := loadGrant(ctx, tx, grantID)
	if err != nil {
		return nil, err
	}
	old, _ := g.Token(value)
	if err := storage.CheckRotation(g, old, now); err != nil {
		return nil, err
	}
	if err := storage.PrepareAppend(g, replacements); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tokens SET revoked = 1, revoked_at = ?, rotated = 1
		WHERE value = ? AND revoked = 0`,
		toNanos(now), value,
	)
	if err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, grantErrors.New(grantErrors.TypeInvalidGrant, "refresh token was already rotated", err)
	}
	if err := insertTokens(ctx, tx, replacements); err != nil {
		return nil, err
	}

	g, err = loadGrant(ctx, tx, grantID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return g, nil
}

// Revoke implements storage.GrantStore.
func (s *Store) Revoke(ctx context.Context, id string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	revoked, err := revokeGrant(ctx, tx, id, now)
	if err != nil {
		return err
	}
	if !revoked {
		revoked, err = revokeToken(ctx, tx, id, now)
		if err != nil {
			return err
		}
	}
	if !revoked {
		revoked, err = revokeCode(ctx, tx, id)
		if err != nil {
			return err
		}
	}
	if !revoked {
		return grantErrors.New(grantErrors.TypeNotFound, "nothing to revoke", nil)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// revokeGrant reports whether id names a grant.
func revokeGrant(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM grants WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up grant: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE grants SET revoked = 1, revoked_at = ? WHERE id = ? AND revoked = 0`,
		toNanos(now), id)
	if err != nil {
		return false, fmt.Errorf("revoking grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return true, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1, revoked_at = ? WHERE grant_id = ? AND revoked = 0`,
		toNanos(now), id); err != nil {
		return false, fmt.Errorf("revoking grant tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE authorization_codes SET state = ? WHERE grant_id = ? AND state = ?`,
		grant.CodeRevoked.String(), id, grant.CodeIssued.String()); err != nil {
		return false, fmt.Errorf("revoking authorization code: %w", err)
	}
	logger.Debugw("revoked grant", "grant_id", id)
	return true, nil
}

// revokeToken reports whether value names a resolvable token.
func revokeToken(ctx context.Context, tx *sql.Tx, value string, now time.Time) (bool, error) {
	if _, found, err := liveTokenGrant(ctx, tx, value); err != nil || !found {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1, revoked_at = ? WHERE value = ? AND revoked = 0`,
		toNanos(now), value); err != nil {
		return false, fmt.Errorf("revoking token: %w", err)
	}
	return true, nil
}

// revokeCode reports whether code names an authorization code.
func revokeCode(ctx context.Context, tx *sql.Tx, code string) (bool, error) {
	if _, found, err := codeState(ctx, tx, code); err != nil || !found {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE authorization_codes SET state = ? WHERE code = ? AND state = ?`,
		grant.CodeRevoked.String(), code, grant.CodeIssued.String()); err != nil {
		return false, fmt.Errorf("revoking authorization code: %w", err)
	}
	return true, nil
}

// SweepExpired implements storage.GrantStore.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) ([]storage.Expired, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	cutoff := toNanos(now)
	var expired []storage.Expired

	rows, err := tx.QueryContext(ctx, `
		SELECT code, grant_id, expires_at FROM authorization_codes
		WHERE state = ? AND expires_at <= ?`,
		grant.CodeIssued.String(), cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing expired codes: %w", err)
	}
	for rows.Next() {
		var code, grantID string
		var expiresAt int64
		if err := rows.Scan(&code, &grantID, &expiresAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning expired code: %w", err)
		}
		expired = append(expired, storage.Expired{
			Kind:        storage.EntryCode,
			GrantID:     grantID,
			Fingerprint: storage.Fingerprint(code),
			ExpiresAt:   fromNanos(expiresAt),
		})
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT value, grant_id, kind, expires_at FROM tokens
		WHERE swept = 0 AND revoked = 0 AND expires_at <= ?`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing expired tokens: %w", err)
	}
	for rows.Next() {
		var value, grantID, kind string
		var expiresAt int64
		if err := rows.Scan(&value, &grantID, &kind, &expiresAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning expired token: %w", err)
		}
		expired = append(expired, storage.Expired{
			Kind:        kind,
			GrantID:     grantID,
			Fingerprint: storage.Fingerprint(value),
			ExpiresAt:   fromNanos(expiresAt),
		})
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE authorization_codes SET state = ? WHERE state = ? AND expires_at <= ?`,
		grant.CodeExpired.String(), grant.CodeIssued.String(), cutoff); err != nil {
		return nil, fmt.Errorf("expiring codes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tokens SET swept = 1 WHERE swept = 0 AND expires_at <= ?`, cutoff); err != nil {
		return nil, fmt.Errorf("sweeping tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return expired, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadGrant reads a grant with its code and complete token history.
func loadGrant(ctx context.Context, q querier, id string) (*grant.Grant, error) {
	var (
		g                              grant.Grant
		grantType, scopes              string
		authTime, revokedAt, createdAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, grant_type, client_id, subject, scopes, nonce,
			auth_time, revoked, revoked_at, created_at
		FROM grants WHERE id = ?`, id,
	).Scan(&g.ID, &grantType, &g.ClientID, &g.Subject, &scopes, &g.Nonce,
		&authTime, &g.Revoked, &revokedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.GrantNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading grant: %w", err)
	}
	g.Type = grant.Type(grantType)
	g.AuthTime = fromNanos(authTime)
	g.RevokedAt = fromNanos(revokedAt)
	g.CreatedAt = fromNanos(createdAt)
	if g.Scopes, err = decodeScopes(scopes); err != nil {
		return nil, err
	}

	if g.Code, err = loadCode(ctx, q, id); err != nil {
		return nil, err
	}
	if g.Tokens, err = loadTokens(ctx, q, id); err != nil {
		return nil, err
	}
	return &g, nil
}

func loadCode(ctx context.Context, q querier, grantID string) (*grant.AuthorizationCode, error) {
	var (
		c                                grant.AuthorizationCode
		state                            string
		issuedAt, expiresAt, exchangedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT code, state, redirect_uri, code_challenge, code_challenge_method,
			issued_at, expires_at, exchanged_at
		FROM authorization_codes WHERE grant_id = ?`, grantID,
	).Scan(&c.Value, &state, &c.RedirectURI, &c.CodeChallenge, &c.CodeChallengeMethod,
		&issuedAt, &expiresAt, &exchangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading authorization code: %w", err)
	}
	if c.State, err = grant.ParseCodeState(state); err != nil {
		return nil, err
	}
	c.IssuedAt = fromNanos(issuedAt)
	c.ExpiresAt = fromNanos(expiresAt)
	c.ExchangedAt = fromNanos(exchangedAt)
	return &c, nil
}

func loadTokens(ctx context.Context, q querier, grantID string) ([]*grant.Token, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT value, kind, format, scopes, issued_at, expires_at, revoked, revoked_at, rotated
		FROM tokens WHERE grant_id = ?
		ORDER BY issued_at, seq`, grantID)
	if err != nil {
		return nil, fmt.Errorf("reading tokens: %w", err)
	}

	var tokens []*grant.Token
	for rows.Next() {
		var (
			t                              grant.Token
			kind, format, scopes           string
			issuedAt, expiresAt, revokedAt int64
		)
		if err := rows.Scan(&t.Value, &kind, &format, &scopes,
			&issuedAt, &expiresAt, &t.Revoked, &revokedAt, &t.Rotated); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		t.Kind = grant.Kind(kind)
		t.Format = grant.Format(format)
		t.GrantID = grantID
		t.IssuedAt = fromNanos(issuedAt)
		t.ExpiresAt = fromNanos(expiresAt)
		t.RevokedAt = fromNanos(revokedAt)
		if t.Scopes, err = decodeScopes(scopes); err != nil {
			_ = rows.Close()
			return nil, err
		}
		tokens = append(tokens, &t)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	return tokens, nil
}

func insertTokens(ctx context.Context, tx *sql.Tx, tokens []*grant.Token) error {
	for _, t := range tokens {
		scopes, err := encodeScopes(t.Scopes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tokens (
				value, grant_id, kind, format, scopes,
				issued_at, expires_at, revoked, revoked_at, rotated
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Value, t.GrantID, string(t.Kind), string(t.Format), scopes,
			toNanos(t.IssuedAt), toNanos(t.ExpiresAt), t.Revoked, toNanos(t.RevokedAt), t.Rotated,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.Duplicate("token value")
			}
			return fmt.Errorf("inserting token: %w", err)
		}
	}
	return nil
}

// liveTokenGrant returns the grant owning a token that has not been swept.
func liveTokenGrant(ctx context.Context, q querier, value string) (string, bool, error) {
	var grantID string
	err := q.QueryRowContext(ctx,
		`SELECT grant_id FROM tokens WHERE value = ? AND swept = 0`, value,
	).Scan(&grantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up token: %w", err)
	}
	return grantID, true, nil
}

func codeState(ctx context.Context, q querier, code string) (grant.CodeState, bool, error) {
	var state string
	err := q.QueryRowContext(ctx,
		`SELECT state FROM authorization_codes WHERE code = ?`, code,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up authorization code: %w", err)
	}
	s, err := grant.ParseCodeState(state)
	if err != nil {
		return 0, false, err
	}
	return s, true, nil
}

func encodeScopes(scopes grant.Scopes) (string, error) {
	if scopes == nil {
		scopes = grant.Scopes{}
	}
	data, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("encoding scopes: %w", err)
	}
	return string(data), nil
}

func decodeScopes(data string) (grant.Scopes, error) {
	var scopes grant.Scopes
	if err := json.Unmarshal([]byte(data), &scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if len(scopes) == 0 {
		return nil, nil
	}
	return scopes, nil
}

// toNanos maps the zero time to 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterating rows: %w", err)
	}
	return rows.Close()
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
