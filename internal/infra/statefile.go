package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// StateFileName is the runtime state file name inside the state directory.
const StateFileName = "focustrack.state.json"

// RuntimeState describes the running watch process. It is not event history.
type RuntimeState struct {
	Version       string    `json:"version"`
	PID           int       `json:"pid"`
	SessionID     string    `json:"sessionId,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Platform      string    `json:"platform"`
	ConfigPath    string    `json:"configPath,omitempty"`
}

// StateFile stores RuntimeState as JSON. Writers serialize through an
// advisory lock on a sidecar file and replace the file atomically.
type StateFile struct {
	path string
}

// DefaultStatePath returns the state file under $XDG_RUNTIME_DIR, or the temp dir.
func DefaultStatePath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, StateFileName)
}

// NewStateFile creates a state file handle at path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the state file path.
func (s *StateFile) Path() string {
	return s.path
}

// Write replaces the stored state.
func (s *StateFile) Write(state RuntimeState) error {
	return s.withLock(func() error {
		return s.atomicWrite(&state)
	})
}

// Heartbeat updates the heartbeat and session of the stored state.
func (s *StateFile) Heartbeat(sessionID string, now time.Time) error {
	return s.withLock(func() error {
		state, err := s.Read()
		if err != nil {
			return err
		}
		if state == nil {
			return errors.Errorf("no state at %s", s.path)
		}
		state.SessionID = sessionID
		state.LastHeartbeat = now
		return s.atomicWrite(state)
	})
}

// Read returns the stored state, or nil when there is none.
func (s *StateFile) Read() (*RuntimeState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read state")
	}

	var state RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "parse state %s", s.path)
	}
	return &state, nil
}

// Clear removes the state file. A missing file is not an error.
func (s *StateFile) Clear() error {
	return s.withLock(func() error {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove state")
		}
		return nil
	})
}

func (s *StateFile) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrap(err, "open lock file")
	}
	defer lockFile.Close()

	if err := lockExclusive(lockFile); err != nil {
		return errors.Wrap(err, "acquire lock")
	}
	defer func() { _ = unlock(lockFile) }()

	return fn()
}

// atomicWrite writes to a per-process temp file and renames it into place.
func (s *StateFile) atomicWrite(state *RuntimeState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return errors.Wrap(err, "write state")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "replace state")
	}
	return nil
}
