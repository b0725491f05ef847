package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "journal.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='command_log';").Scan(&name); err != nil {
		t.Fatalf("table command_log missing: %v", err)
	}
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCheckLocalFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "missing", "journal.db")

	if err := checkLocalFS(dbPath, func(string) (string, error) { return "ext4", nil }); err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}

	err := checkLocalFS(dbPath, func(string) (string, error) { return "NFS", nil })
	if err == nil {
		t.Fatal("expected network filesystem to be rejected")
	}
	if !strings.Contains(err.Error(), "nfs") {
		t.Fatalf("expected filesystem type in error, got %q", err)
	}
}

func TestClosestExistingWalksUp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	got, err := closestExisting(filepath.Join(dir, "a", "b", "c.db"))
	if err != nil {
		t.Fatalf("closestExisting: %v", err)
	}
	if got != dir {
		t.Fatalf("closestExisting = %q, want %q", got, dir)
	}
}
