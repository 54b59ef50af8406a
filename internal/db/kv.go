package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/errors"
)

// =====================================================
// Key/Value Table
// =====================================================

// SetValue upserts a kv entry.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.Now().UnixNano())
	return errors.NewStorageError("set_value", key, err)
}

// GetValue returns a kv entry or a NotFound error.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", errors.NewNotFound("kv", key)
	}
	if err != nil {
		return "", errors.NewStorageError("get_value", key, err)
	}
	return value, nil
}

// DeleteValue removes a kv entry; missing keys are ignored.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.NewStorageError("delete_value", key, err)
}

// KV is one key/value pair returned by ScanPrefix.
type KV struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// ScanPrefix returns every entry whose key starts with prefix, ordered by key.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]KV, error) {
	// substr avoids LIKE wildcards hiding in the prefix
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, errors.NewStorageError("scan_prefix", prefix, err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		var updated int64
		if err := rows.Scan(&kv.Key, &kv.Value, &updated); err != nil {
			return nil, errors.NewStorageError("scan_prefix", prefix, err)
		}
		kv.UpdatedAt = fromUnixNano(updated)
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("scan_prefix", prefix, err)
	}
	return out, nil
}

// SetJSON stores v encoded as JSON.
func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "encode "+key, err)
	}
	return s.SetValue(ctx, key, string(data))
}

// GetJSON decodes the entry at key into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := s.GetValue(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errors.NewStorageError("decode", key, err)
	}
	return nil
}

// =====================================================
// Leases
// =====================================================

// AcquireLease takes or renews the named lease for owner until now+ttl.
// It fails with ErrLeaseHeld while another owner holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	now := s.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, owner_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner_id = excluded.owner_id, expires_at = excluded.expires_at
		 WHERE leases.owner_id = excluded.owner_id OR leases.expires_at <= ?`,
		name, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return errors.NewStorageError("acquire_lease", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageError("acquire_lease", name, err)
	}
	if n == 0 {
		return errors.New(errors.ErrLeaseHeld, "lease "+name+" is held by another owner")
	}
	return nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner_id = ?`, name, owner)
	return errors.NewStorageError("release_lease", name, err)
}
