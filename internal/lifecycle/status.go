// Package lifecycle persists the server's startup status so a launcher can
// tell when the service is usable, and drives the startup sequence that
// produces it.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StatusFile is the name of the status record inside the lifecycle dir.
const StatusFile = "status.json"

// State is the persisted lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateError    State = "error"
)

// Terminal reports whether the state can no longer change in this process.
func (s State) Terminal() bool {
	return s == StateReady || s == StateError
}

// ErrInvalidTransition is returned when a write would move the status
// anywhere other than starting to ready or starting to error.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Status is the persisted record.
type Status struct {
	State     State     `json:"server_status"`
	Error     string    `json:"server_error,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusStore reads and writes the status record. Writes replace the file
// atomically, so readers see either the previous or the new record.
type StatusStore struct {
	dir       string
	writeFile func(path string, data []byte, perm os.FileMode) error

	mu   sync.Mutex
	last State
}

// NewStatusStore returns a store for dir. Nothing is written until Write.
func NewStatusStore(dir string) *StatusStore {
	return &StatusStore{dir: dir, writeFile: writeFileAtomic}
}

// Path returns the location of the status file.
func (s *StatusStore) Path() string {
	return filepath.Join(s.dir, StatusFile)
}

// Dir returns the lifecycle directory.
func (s *StatusStore) Dir() string {
	return s.dir
}

// Write persists st. The first write must be starting; after that only
// ready or error are accepted, once.
func (s *StatusStore) Write(st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validTransition(s.last, st.State) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, s.last, st.State)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := s.writeFile(s.Path(), data, 0o644); err != nil {
		return err
	}

	s.last = st.State
	return nil
}

// Read returns the persisted record, or nil when none exists yet.
func (s *StatusStore) Read() (*Status, error) {
	return ReadStatus(s.dir)
}

// ReadStatus reads the status record in dir. A missing file is not an
// error; it yields nil.
func ReadStatus(dir string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status: %w", err)
	}

	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func validTransition(from, to State) bool {
	switch from {
	case "":
		return to == StateStarting
	case StateStarting:
		return to == StateReady || to == StateError
	default:
		return false
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create lifecycle dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".status.json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp status: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp status: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp status: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp status: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp status: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), path); err != nil {
		return fmt.Errorf("rename temp status: %w", err)
	}
	return nil
}
