// Package scratch manages per-worker scratch directories on the local filesystem.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local implements scratch storage under a single root directory.
type Local struct {
	Root string
}

// NewLocal creates the root directory if needed and returns a Local store.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("scratch root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scratch root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch root %s: %w", abs, err)
	}
	return &Local{Root: abs}, nil
}

// Allocate creates the scratch directory for an instance and returns its path.
func (s *Local) Allocate(instanceID string) (string, error) {
	if instanceID == "" || strings.ContainsAny(instanceID, `/\`) || instanceID == "." || instanceID == ".." {
		return "", fmt.Errorf("invalid instance id %q", instanceID)
	}
	path := s.PathFor(instanceID)
	if err := os.Mkdir(path, 0o777); err != nil {
		return "", fmt.Errorf("failed to create scratch directory %s: %w", path, err)
	}
	// Workers may run under a different uid than the dispatcher.
	if err := os.Chmod(path, 0o777); err != nil {
		return "", fmt.Errorf("failed to chmod scratch directory %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes a scratch directory. Removing a missing directory is not an error.
// Paths outside the root are refused.
func (s *Local) Remove(path string) error {
	if !s.owns(path) {
		return fmt.Errorf("refusing to remove %s: not under %s", path, s.Root)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove scratch directory %s: %w", path, err)
	}
	return nil
}

// List returns the scratch directories currently present under the root.
func (s *Local) List() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to list scratch root %s: %w", s.Root, err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			paths = append(paths, filepath.Join(s.Root, e.Name()))
		}
	}
	return paths, nil
}

// PathFor returns the scratch path for an instance.
func (s *Local) PathFor(instanceID string) string {
	return filepath.Join(s.Root, instanceID)
}

func (s *Local) owns(path string) bool {
	rel, err := filepath.Rel(s.Root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !strings.Contains(rel, string(filepath.Separator))
}
