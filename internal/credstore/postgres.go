package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/models"
)

// DBTX is satisfied by pgxpool.Pool, pgx.Conn and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps one row per profile in 'console_credentials' table.
// The table has check constraint, so the pair is written or rejected as a whole
type PostgresStore struct {
	DB      DBTX
	Profile string
}

const saveCredentials = `-- name: Save credentials for profile
INSERT INTO console_credentials (profile, access_token, refresh_token, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (profile) DO UPDATE
SET access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    updated_at = EXCLUDED.updated_at
RETURNING profile`

// Save runs in its own (nested) transaction: when called inside outer transaction
// the rejected pair rolls back to savepoint and keeps the outer one usable
func (s *PostgresStore) Save(ctx context.Context, creds models.Credentials) (err error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db tx error: %w", err)
	}

	defer func() {
		switch err {
		case nil:
			err = tx.Commit(ctx)
		default:
			_ = tx.Rollback(ctx)
		}
	}()

	rows, _ := tx.Query(ctx, saveCredentials, s.Profile, creds.Access, creds.Refresh)
	_, err = pgx.CollectOneRow(rows, pgx.RowTo[string])

	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation:
		return fmt.Errorf("repo error: %w", apperrors.ErrPartialCredentials)
	default:
		return fmt.Errorf("db error: %w", err)
	}
}

const loadCredentials = `-- name: Load credentials for profile
SELECT access_token, refresh_token
FROM console_credentials
WHERE profile = $1`

func (s *PostgresStore) Load(ctx context.Context) (models.Credentials, error) {
	rows, _ := s.DB.Query(ctx, loadCredentials, s.Profile)
	creds, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (models.Credentials, error) {
		var c models.Credentials
		err := row.Scan(&c.Access, &c.Refresh)
		return c, err
	})

	switch {
	case err == nil && creds.Valid():
		return creds, nil
	case err == nil, errors.Is(err, pgx.ErrNoRows):
		return models.Credentials{}, fmt.Errorf("repo error: %w", apperrors.ErrCredentialsNotFound)
	default:
		return models.Credentials{}, fmt.Errorf("db error: %w", err)
	}
}

const replaceCredentials = `-- name: Replace credentials for profile if refresh token matches
UPDATE console_credentials
SET access_token = $2,
    refresh_token = $3,
    updated_at = now()
WHERE profile = $1 AND refresh_token = $4`

// Replace is a single conditional update, a concurrent Clear either wins or waits for it
func (s *PostgresStore) Replace(ctx context.Context, refresh string, creds models.Credentials) error {
	if !creds.Valid() {
		return fmt.Errorf("repo error: %w", apperrors.ErrPartialCredentials)
	}

	tag, err := s.DB.Exec(ctx, replaceCredentials, s.Profile, creds.Access, creds.Refresh, refresh)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo error: %w", apperrors.ErrCredentialsChanged)
	}

	return nil
}

const clearCredentials = `-- name: Clear credentials for profile
DELETE FROM console_credentials
WHERE profile = $1`

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, clearCredentials, s.Profile)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}
