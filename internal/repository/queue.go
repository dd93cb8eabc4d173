package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/textric/textric-server/internal/models"
)

// PostgresQueueRepository implements delivery queue persistence
// against a PostgreSQL database. Each entry carries the set of device
// addresses still owed a copy in a JSONB array; address removal is a
// conditional update so concurrent pumps cannot double-retire an
// address.
type PostgresQueueRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresQueueRepository creates a new PostgresQueueRepository
// using the provided *sql.DB.
func NewPostgresQueueRepository(db *sql.DB) *PostgresQueueRepository {
	return &PostgresQueueRepository{DB: db}
}

func marshalEntry(e models.QueueEntry) (addrs, msg []byte, err error) {
	addrs, err = json.Marshal(e.Addresses)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal addrs: %w", err)
	}
	msg, err = json.Marshal(e.Message)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal msg: %w", err)
	}
	return addrs, msg, nil
}

// InsertOne persists a single queue entry.
func (r *PostgresQueueRepository) InsertOne(ctx context.Context, e models.QueueEntry) error {
	addrs, msg, err := marshalEntry(e)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO queue_entries (id, account_handle, addrs, msg)
		VALUES ($1, $2, $3, $4)
	`, e.ID, e.Account, addrs, msg)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// InsertMany persists a batch of queue entries in one transaction.
func (r *PostgresQueueRepository) InsertMany(ctx context.Context, entries []models.QueueEntry) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		addrs, msg, err := marshalEntry(e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_entries (id, account_handle, addrs, msg)
			VALUES ($1, $2, $3, $4)
		`, e.ID, e.Account, addrs, msg)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListByAccount fetches all pending entries for the given destination
// account in insertion order.
func (r *PostgresQueueRepository) ListByAccount(ctx context.Context, handle string) ([]models.QueueEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, account_handle, addrs, msg FROM queue_entries WHERE account_handle = $1 ORDER BY seq
	`, handle)
	if err != nil {
		return nil, fmt.Errorf("ListByAccount: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var (
			e     models.QueueEntry
			addrs []byte
			msg   []byte
		)
		if err := rows.Scan(&e.ID, &e.Account, &addrs, &msg); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal(addrs, &e.Addresses); err != nil {
			return nil, fmt.Errorf("unmarshal addrs: %w", err)
		}
		if err := json.Unmarshal(msg, &e.Message); err != nil {
			return nil, fmt.Errorf("unmarshal msg: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PullAddress removes addr from the entry's address set, reporting
// whether the address was present and removed. The update is
// conditional on the address still being in the set, so a racing pump
// observes false and does not double-retire.
func (r *PostgresQueueRepository) PullAddress(ctx context.Context, id string, addr models.Address) (bool, error) {
	encoded, err := json.Marshal(addr)
	if err != nil {
		return false, fmt.Errorf("marshal addr: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_entries
		   SET addrs = (
		       SELECT COALESCE(jsonb_agg(elem), '[]'::jsonb)
		         FROM jsonb_array_elements(addrs) AS elem
		        WHERE elem <> $2::jsonb
		   )
		 WHERE id = $1 AND addrs @> jsonb_build_array($2::jsonb)
	`, id, encoded)
	if err != nil {
		return false, fmt.Errorf("pull address: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pull address: %w", err)
	}
	return rows > 0, nil
}

// DeleteIfEmpty deletes the entry if its address set is empty,
// reporting whether a delete happened.
func (r *PostgresQueueRepository) DeleteIfEmpty(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE id = $1 AND jsonb_array_length(addrs) = 0
	`, id)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return rows > 0, nil
}
