package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SQLite's file locking is unreliable on these.
var remoteFSTypes = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// checkLocalFS refuses database paths that live on a network filesystem.
func checkLocalFS(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	existing, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}

	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, remote := range remoteFSTypes {
		if fsType == remote {
			return fmt.Errorf("journal path %q is on network filesystem %q; move journal.path to local disk", path, fsType)
		}
	}
	return nil
}

// closestExisting walks up from path to the first component that exists, so
// a database that has not been created yet is checked via its parent.
func closestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		p = parent
	}
}
