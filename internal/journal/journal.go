// Package journal keeps an append-only, hash-chained audit trail of command
// lifecycle events in SQLite. It is write-only from the dispatcher's point of
// view: history is never rebuilt from it.
package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/cmdq/internal/command"
)

// ErrChainBroken is returned by Verify when a row's hash or back-link does
// not match.
var ErrChainBroken = errors.New("journal hash chain broken")

// Record is one journal row.
type Record struct {
	Seq         int64   `json:"seq"`
	CommandID   string  `json:"command_id"`
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	SubmittedAt string  `json:"submitted_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	UndoneAt    *string `json:"undone_at,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
	RecordedAt  string  `json:"recorded_at"`
	PrevHash    string  `json:"prev_hash"`
	Hash        string  `json:"hash"`
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes a row for e, chained to the previous row.
func (s *Store) Append(ctx context.Context, kind string, e command.Entry) error {
	if kind == "" {
		return fmt.Errorf("kind is empty")
	}
	if e.ID == "" {
		return fmt.Errorf("command id is empty")
	}

	rec := Record{
		CommandID:   e.ID,
		Kind:        kind,
		Description: e.Description,
		Status:      string(e.Status),
		SubmittedAt: formatTime(e.SubmittedAt),
		StartedAt:   formatTimePtr(e.StartedAt),
		CompletedAt: formatTimePtr(e.CompletedAt),
		UndoneAt:    formatTimePtr(e.UndoneAt),
		LastError:   e.LastError,
		RecordedAt:  formatTime(time.Now()),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, "SELECT hash FROM command_log ORDER BY seq DESC LIMIT 1;").Scan(&rec.PrevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read chain head: %w", err)
	}
	rec.Hash = digest(rec)

	_, err = tx.ExecContext(ctx, `
INSERT INTO command_log(
  command_id, kind, description, status, submitted_at, started_at, completed_at,
  undone_at, last_error, recorded_at, prev_hash, hash
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.CommandID, rec.Kind, rec.Description, rec.Status, rec.SubmittedAt, rec.StartedAt, rec.CompletedAt,
		rec.UndoneAt, rec.LastError, rec.RecordedAt, rec.PrevHash, rec.Hash)
	if err != nil {
		return fmt.Errorf("insert command_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// List returns up to limit rows, most recent first. limit <= 0 means 100.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY seq DESC LIMIT ?;", limit)
	if err != nil {
		return nil, fmt.Errorf("list command_log: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ForCommand returns every row for one command, oldest first.
func (s *Store) ForCommand(ctx context.Context, commandID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" WHERE command_id = ? ORDER BY seq ASC;", commandID)
	if err != nil {
		return nil, fmt.Errorf("query command_log: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Verify walks the whole chain and returns the number of rows checked. The
// first mismatch is reported as ErrChainBroken.
func (s *Store) Verify(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY seq ASC;")
	if err != nil {
		return 0, fmt.Errorf("read command_log: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return 0, err
	}

	prev := ""
	for i, r := range recs {
		if r.PrevHash != prev {
			return i, fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, r.Seq)
		}
		if digest(r) != r.Hash {
			return i, fmt.Errorf("%w: seq %d content does not match its hash", ErrChainBroken, r.Seq)
		}
		prev = r.Hash
	}
	return len(recs), nil
}

const selectColumns = `
SELECT seq, command_id, kind, description, status, submitted_at, started_at, completed_at,
  undone_at, last_error, recorded_at, prev_hash, hash
FROM command_log`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			r                                 Record
			started, completed, undone, lastE sql.NullString
		)
		if err := rows.Scan(
			&r.Seq, &r.CommandID, &r.Kind, &r.Description, &r.Status, &r.SubmittedAt, &started, &completed,
			&undone, &lastE, &r.RecordedAt, &r.PrevHash, &r.Hash,
		); err != nil {
			return nil, fmt.Errorf("scan command_log: %w", err)
		}
		r.StartedAt = nullToPtr(started)
		r.CompletedAt = nullToPtr(completed)
		r.UndoneAt = nullToPtr(undone)
		r.LastError = nullToPtr(lastE)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate command_log: %w", err)
	}
	return out, nil
}

// digest hashes every stored field except seq and hash itself.
func digest(r Record) string {
	r.Seq = 0
	r.Hash = ""
	b, _ := json.Marshal(r)
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func nullToPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
