package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Store reads and writes a KeeperState document on disk.
type Store struct {
	path string
	now  func() time.Time
}

// NewStore returns a store for the state file at path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Load reads the whole state file into memory. found is false when the file
// does not exist yet.
func (s *Store) Load() (st *KeeperState, found bool, err error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read state file: %w", err)
	}

	var ks KeeperState
	if err := json.Unmarshal(b, &ks); err != nil {
		return nil, false, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if ks.Version > CurrentVersion {
		return nil, false, fmt.Errorf("state file %s has unsupported version %d", s.path, ks.Version)
	}

	for _, id := range ks.normalize() {
		slog.Warn("Dropped retry record shadowed by in-flight tx", "subscription_id", id)
	}
	return &ks, true, nil
}

// LoadOrInit loads the state file, or creates fresh state when it is
// missing. An existing file must belong to the same chain and ledger.
func (s *Store) LoadOrInit(fresh *KeeperState) (*KeeperState, error) {
	st, found, err := s.Load()
	if err != nil {
		return nil, err
	}
	if !found {
		return fresh, nil
	}
	if err := st.CheckDeployment(fresh.ChainID, fresh.Ledger); err != nil {
		return nil, err
	}
	return st, nil
}

// Save writes st atomically: the document goes to a temp file in the same
// directory, is synced, then renamed over the old file.
func (s *Store) Save(st *KeeperState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	st.UpdatedAt = s.now().UTC()
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
