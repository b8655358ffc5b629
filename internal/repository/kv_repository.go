package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// KVRepository stores small string values per chat, the way the mobile client
// keeps them in its local key-value storage.
type KVRepository struct {
	db *sql.DB
}

func NewKVRepository(db *sql.DB) *KVRepository {
	return &KVRepository{db: db}
}

func (r *KVRepository) Get(ctx context.Context, ownerID int64, key string) (string, bool, error) {
	const query = `SELECT entry_value FROM kv_entries WHERE owner_id = ? AND entry_key = ?`
	row := r.db.QueryRowContext(ctx, query, ownerID, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get kv entry %s: %w", key, err)
	}
	return value, true, nil
}

func (r *KVRepository) Set(ctx context.Context, ownerID int64, key, value string) error {
	const query = `
INSERT INTO kv_entries (owner_id, entry_key, entry_value)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE entry_value = VALUES(entry_value), updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, ownerID, key, value); err != nil {
		return fmt.Errorf("set kv entry %s: %w", key, err)
	}
	return nil
}

// Scope binds the repository to one owner so it can be handed to components
// that only know about plain keys.
func (r *KVRepository) Scope(ownerID int64) *ScopedKV {
	return &ScopedKV{repo: r, ownerID: ownerID}
}

type ScopedKV struct {
	repo    *KVRepository
	ownerID int64
}

func (s *ScopedKV) Get(ctx context.Context, key string) (string, bool, error) {
	return s.repo.Get(ctx, s.ownerID, key)
}

func (s *ScopedKV) Set(ctx context.Context, key, value string) error {
	return s.repo.Set(ctx, s.ownerID, key, value)
}
