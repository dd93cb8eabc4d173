// Package repository provides persistence implementations for the
// account registry and the delivery queue using a PostgreSQL database.
//
// Accounts are stored as one document per handle with the device map
// in a JSONB column; read-modify-write sequences on a single account
// row are serialized by the store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/textric/textric-server/internal/apperrors"
	"github.com/textric/textric-server/internal/models"
)

// PostgresAccountRepository implements account and handle-candidate
// persistence against a PostgreSQL database.
type PostgresAccountRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAccountRepository creates a new PostgresAccountRepository
// with the given database connection.
func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{DB: db}
}

// Insert persists a new account document. The handle must not exist.
func (r *PostgresAccountRepository) Insert(ctx context.Context, acct *models.Account) error {
	devices, err := json.Marshal(acct.Devices)
	if err != nil {
		return fmt.Errorf("marshal devices: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO accounts (handle, passhash, salt, created_at, devices)
		VALUES ($1, $2, $3, $4, $5)
	`, acct.Handle, acct.PassHash, acct.Salt, acct.CreatedAt, devices)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// Find retrieves the account document for the given handle.
// Returns apperrors.ErrNotFound if absent.
func (r *PostgresAccountRepository) Find(ctx context.Context, handle string) (*models.Account, error) {
	var (
		acct    models.Account
		devices []byte
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT handle, passhash, salt, created_at, devices FROM accounts WHERE handle = $1
	`, handle).Scan(&acct.Handle, &acct.PassHash, &acct.Salt, &acct.CreatedAt, &devices)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", handle, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if err := json.Unmarshal(devices, &acct.Devices); err != nil {
		return nil, fmt.Errorf("unmarshal devices: %w", err)
	}
	if acct.Devices == nil {
		acct.Devices = map[string]models.Device{}
	}
	return &acct, nil
}

// Replace overwrites the account document for acct.Handle with acct,
// find-and-replace style. Returns apperrors.ErrNotFound if the account
// does not exist.
func (r *PostgresAccountRepository) Replace(ctx context.Context, acct *models.Account) error {
	devices, err := json.Marshal(acct.Devices)
	if err != nil {
		return fmt.Errorf("marshal devices: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE accounts SET passhash = $2, salt = $3, devices = $4 WHERE handle = $1
	`, acct.Handle, acct.PassHash, acct.Salt, devices)
	if err != nil {
		return fmt.Errorf("replace account: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("account %s: %w", acct.Handle, apperrors.ErrNotFound)
	}
	return nil
}

// Delete removes the account document for the given handle.
// Returns apperrors.ErrNotFound if absent.
func (r *PostgresAccountRepository) Delete(ctx context.Context, handle string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM accounts WHERE handle = $1`, handle)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("account %s: %w", handle, apperrors.ErrNotFound)
	}
	return nil
}

// Exists checks whether an account with the given handle exists.
func (r *PostgresAccountRepository) Exists(ctx context.Context, handle string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE handle = $1)`,
		handle,
	).Scan(&exists)
	return exists, err
}

// InsertCandidate records a freshly generated handle candidate.
func (r *PostgresAccountRepository) InsertCandidate(ctx context.Context, handle string, timeCreated int64) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO handle_candidates (handle, time_created) VALUES ($1, $2)
	`, handle, timeCreated)
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

// CandidateExists checks whether an outstanding candidate with the
// given handle exists, expired or not.
func (r *PostgresAccountRepository) CandidateExists(ctx context.Context, handle string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM handle_candidates WHERE handle = $1)`,
		handle,
	).Scan(&exists)
	return exists, err
}

// ConsumeCandidate atomically deletes an unexpired candidate with the
// given handle, reporting whether one was consumed. cutoff is the
// oldest creation timestamp still considered valid.
func (r *PostgresAccountRepository) ConsumeCandidate(ctx context.Context, handle string, cutoff int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM handle_candidates WHERE handle = $1 AND time_created > $2
	`, handle, cutoff)
	if err != nil {
		return false, fmt.Errorf("consume candidate: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume candidate: %w", err)
	}
	return rows > 0, nil
}

// PurgeCandidates deletes all candidates created at or before cutoff.
func (r *PostgresAccountRepository) PurgeCandidates(ctx context.Context, cutoff int64) error {
	_, err := r.DB.ExecContext(ctx, `
		DELETE FROM handle_candidates WHERE time_created <= $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("purge candidates: %w", err)
	}
	return nil
}
