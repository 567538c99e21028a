package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialCache = (*TokenRepo)(nil)

// TokenRepo is the SQLite implementation of the CredentialCache port.
// The access_token table holds at most one row. Every operation runs in a
// transaction on the single writer connection, so concurrent workers never
// interleave a read-check-delete with another worker's replace.
type TokenRepo struct {
	db  *DB
	now func() time.Time
}

// NewTokenRepo creates a new TokenRepo backed by the given DB.
func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db, now: time.Now}
}

// Get returns the cached credential if it is still usable. A credential within
// model.ExpiryMargin of its expiry is deleted and (nil, nil) is returned.
func (r *TokenRepo) Get(ctx context.Context) (*model.Credential, error) {
	var cred *model.Credential

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		const query = `SELECT token, expiration_date FROM access_token LIMIT 1`

		var token, expiration string
		err := tx.QueryRowContext(ctx, query).Scan(&token, &expiration)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select: %w", err)
		}

		expiresAt, err := parseTime(expiration)
		if err != nil {
			// An unreadable expiry can never be trusted; drop the row.
			expiresAt = time.Time{}
		}

		c := model.Credential{Token: token, ExpiresAt: expiresAt}
		if c.UsableAt(r.now()) {
			cred = &c
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM access_token WHERE token = ?`, token); err != nil {
			return fmt.Errorf("delete stale: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, &driven.CacheError{Op: "get", Err: err}
	}

	return cred, nil
}

// Put replaces the cached credential with token, expiring ttl from now.
func (r *TokenRepo) Put(ctx context.Context, token string, ttl time.Duration) error {
	expiresAt := r.now().Add(ttl)

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM access_token`); err != nil {
			return fmt.Errorf("clear: %w", err)
		}

		const query = `INSERT INTO access_token (token, expiration_date) VALUES (?, ?)`
		if _, err := tx.ExecContext(ctx, query, token, formatTime(expiresAt)); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return &driven.CacheError{Op: "put", Err: err}
	}

	return nil
}

// Invalidate removes the cached credential if it matches token. A credential
// that was already replaced by another worker is left untouched.
func (r *TokenRepo) Invalidate(ctx context.Context, token string) error {
	const query = `DELETE FROM access_token WHERE token = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, token); err != nil {
		return &driven.CacheError{Op: "invalidate", Err: err}
	}
	return nil
}

func (r *TokenRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
