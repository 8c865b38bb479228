// Package leader keeps a second dispatcher from starting against the same store.
//
// The lock is a directory created with mkdir, which is atomic on local and
// shared filesystems alike. An owner.json inside names the holder.
package leader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"replaytasker/internal/apperrors"
)

const (
	lockDirName   = ".dispatcher.lock"
	ownerFileName = "owner.json"
)

// Owner identifies the process holding the lock.
type Owner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
	Hostname  string `json:"hostname,omitempty"`
}

// Lock is a held dispatcher lock. The zero value is a no-op lock.
type Lock struct {
	dir string
}

// Acquire takes the lock under root. It fails with a conflict error while
// another process holds it. A crashed holder leaves the directory behind;
// remove it by hand once the old dispatcher is confirmed gone.
func Acquire(root string) (*Lock, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, apperrors.Validation("LOCK_DIR", "lock directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create lock root %s: %w", root, err)
	}

	dir := filepath.Join(root, lockDirName)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			if owner, readErr := ReadOwner(root); readErr == nil && owner.PID > 0 {
				return nil, apperrors.Conflict("lock", dir, fmt.Sprintf(
					"dispatcher lock is held (pid=%d created_at=%s host=%s)", owner.PID, owner.CreatedAt, owner.Hostname))
			}
			return nil, apperrors.Conflict("lock", dir, "dispatcher lock is held")
		}
		return nil, fmt.Errorf("acquire lock %s: %w", dir, err)
	}

	owner := Owner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, ownerFileName), data, 0o644)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return &Lock{dir: dir}, nil
}

// ReadOwner returns the current holder of the lock under root.
func ReadOwner(root string) (Owner, error) {
	var owner Owner
	data, err := os.ReadFile(filepath.Join(root, lockDirName, ownerFileName))
	if err != nil {
		return owner, err
	}
	err = json.Unmarshal(data, &owner)
	return owner, err
}

// Release gives the lock up. Releasing twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.dir == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, ownerFileName))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.dir, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}
