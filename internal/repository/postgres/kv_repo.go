package postgres

import (
	"context"
	"errors"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/repository"
	"github.com/jackc/pgx/v5"
)

// KVRepo implements repository.KV on the kv table.
type KVRepo struct{ db *DB }

var _ repository.KV = (*KVRepo)(nil)

// NewKVRepo constructs a key-value repository.
func NewKVRepo(db *DB) *KVRepo { return &KVRepo{db: db} }

// Get returns the value for key or errs.ErrNotFound.
func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM kv WHERE key=$1`
	var v []byte
	if err := r.db.Pool.QueryRow(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// Set upserts the value for key.
func (r *KVRepo) Set(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO kv (key, value, updated_at) VALUES ($1,$2,now())
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, key, value)
	return err
}

// Remove deletes key; a missing key is not an error.
func (r *KVRepo) Remove(ctx context.Context, key string) error {
	const q = `DELETE FROM kv WHERE key=$1`
	_, err := r.db.Pool.Exec(ctx, q, key)
	return err
}

// List returns all entries whose key starts with prefix.
func (r *KVRepo) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	const q = `SELECT key, value FROM kv WHERE starts_with(key, $1) ORDER BY key ASC`
	rows, err := r.db.Pool.Query(ctx, q, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err = rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
