package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Setting is one persisted server setting. The server reads them once at
// start; flags given to `sjq server` take precedence.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
	`, key, value, ts(time.Now()))
	if err != nil {
		return storageErr("set config", err)
	}
	return nil
}

// UnsetConfig removes key so the built-in default applies again. It reports
// whether the key was set.
func (s *Store) UnsetConfig(ctx context.Context, key string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.DB.ExecContext(ctx, `DELETE FROM config WHERE key=?`, key)
	if err != nil {
		return false, storageErr("unset config", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetConfig returns "" for keys that were never set.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var val string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM config WHERE key=?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("get config", err)
	}
	return val, nil
}

func (s *Store) Settings(ctx context.Context) ([]Setting, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value, updated_at FROM config ORDER BY key`)
	if err != nil {
		return nil, storageErr("list config", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var (
			set     Setting
			updated string
		)
		if err := rows.Scan(&set.Key, &set.Value, &updated); err != nil {
			return nil, storageErr("scan config", err)
		}
		set.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, set)
	}
	return out, rows.Err()
}
