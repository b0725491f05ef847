// Package state persists device on/off state between runs.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load returns the last saved state of every device, or an empty map.
func (s *Store) Load(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT device, is_on FROM device_state;")
	if err != nil {
		return nil, fmt.Errorf("read device state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			name string
			on   bool
		)
		if err := rows.Scan(&name, &on); err != nil {
			return nil, fmt.Errorf("scan device state: %w", err)
		}
		out[name] = on
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read device state: %w", err)
	}
	return out, nil
}

// Save upserts states in one transaction. Devices missing from states keep
// their stored row.
func (s *Store) Save(ctx context.Context, states map[string]bool) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	names := make([]string, 0, len(states))
	for n := range states {
		names = append(names, n)
	}
	sort.Strings(names)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, n := range names {
		if n == "" {
			return fmt.Errorf("device name is empty")
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO device_state(device, is_on, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(device) DO UPDATE SET
  is_on = excluded.is_on,
  updated_at = excluded.updated_at;
`, n, states[n], now)
		if err != nil {
			return fmt.Errorf("upsert device state %q: %w", n, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
