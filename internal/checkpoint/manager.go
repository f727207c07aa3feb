// internal/checkpoint/manager.go
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNoCheckpoint is returned when nothing was recorded for a message.
	ErrNoCheckpoint = errors.New("no checkpoint recorded for message")
	// ErrInvalidID is returned for a session or message id that cannot be
	// used as a single directory name under the store.
	ErrInvalidID = errors.New("invalid checkpoint id")
)

// ValidateID rejects ids that are empty, contain a path separator, or name
// a reserved storage directory.
func ValidateID(id string) error {
	switch id {
	case "", ".", "..", "refs", "content_pool":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if strings.ContainsAny(id, `/\`) || filepath.Base(id) != id || filepath.IsAbs(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func validateIDs(ids ...string) error {
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return err
		}
	}
	return nil
}

// Manager records file pre-images per user message and restores them.
type Manager struct {
	storage  *Storage
	mu       sync.Mutex
	sessions map[string]*sync.Mutex
	logger   *slog.Logger
}

// NewManager creates a checkpoint manager over storage.
func NewManager(storage *Storage, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage:  storage,
		sessions: make(map[string]*sync.Mutex),
		logger:   logger,
	}
}

func (m *Manager) lock(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.sessions[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.sessions[sessionID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Track records the current state of path under the checkpoint of messageID,
// unless the path already has a pre-image there. It must run before the
// file is changed.
func (m *Manager) Track(sessionID, messageID, path string) error {
	if path == "" {
		return fmt.Errorf("track needs a path")
	}
	if err := validateIDs(sessionID, messageID); err != nil {
		return err
	}
	path = filepath.Clean(path)
	defer m.lock(sessionID)()

	if err := m.ensureCheckpoint(sessionID, messageID); err != nil {
		return err
	}
	if m.storage.HasSnapshot(sessionID, messageID, path) {
		return nil
	}

	snapshot := FileSnapshot{CheckpointID: messageID, FilePath: path}
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		snapshot.Absent = true
	case err != nil:
		return fmt.Errorf("stat %s: %w", path, err)
	case info.IsDir():
		return fmt.Errorf("%s is a directory", path)
	default:
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		snapshot.Content = content
		snapshot.Permissions = uint32(info.Mode().Perm())
		snapshot.Size = info.Size()
	}

	if err := m.storage.SaveSnapshot(sessionID, &snapshot); err != nil {
		return fmt.Errorf("save snapshot of %s: %w", path, err)
	}
	m.logger.Debug("checkpoint tracked file", "session_id", sessionID, "message_id", messageID, "path", path, "absent", snapshot.Absent)
	return nil
}

func (m *Manager) ensureCheckpoint(sessionID, messageID string) error {
	checkpoints, err := m.storage.List(sessionID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	next := 0
	for _, cp := range checkpoints {
		if cp.ID == messageID {
			return nil
		}
		if cp.Sequence >= next {
			next = cp.Sequence + 1
		}
	}
	return m.storage.SaveCheckpoint(&Checkpoint{ID: messageID, SessionID: sessionID, Sequence: next})
}

// Has reports whether messageID has a checkpoint.
func (m *Manager) Has(sessionID, messageID string) bool {
	if validateIDs(sessionID, messageID) != nil {
		return false
	}
	checkpoints, err := m.storage.List(sessionID)
	if err != nil {
		return false
	}
	for _, cp := range checkpoints {
		if cp.ID == messageID {
			return true
		}
	}
	return false
}

// List returns the checkpoints of a session, oldest first.
func (m *Manager) List(sessionID string) ([]Checkpoint, error) {
	return m.storage.List(sessionID)
}

// Restore returns every file touched since messageID to its state before
// that message. Checkpoints are undone newest first and removed afterwards.
func (m *Manager) Restore(sessionID, messageID string) (*RestoreResult, error) {
	if err := validateIDs(sessionID, messageID); err != nil {
		return nil, err
	}
	defer m.lock(sessionID)()

	checkpoints, err := m.storage.List(sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	start := -1
	for i, cp := range checkpoints {
		if cp.ID == messageID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, messageID)
	}

	undo := checkpoints[start:]
	result := &RestoreResult{}
	final := make(map[string]FileSnapshot)
	for i := len(undo) - 1; i >= 0; i-- {
		_, snapshots, err := m.storage.Load(sessionID, undo[i].ID)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint %s: %w", undo[i].ID, err)
		}
		for _, snap := range snapshots {
			final[snap.FilePath] = snap
		}
		result.Checkpoints = append(result.Checkpoints, undo[i].ID)
	}

	for path, snap := range final {
		if snap.Absent {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("failed to remove %s: %v", path, err))
				continue
			}
			result.FilesDeleted++
		} else {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("failed to create dir for %s: %v", path, err))
				continue
			}
			perm := os.FileMode(snap.Permissions)
			if perm == 0 {
				perm = 0644
			}
			if err := os.WriteFile(path, snap.Content, perm); err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("failed to restore %s: %v", path, err))
				continue
			}
			result.FilesRestored++
		}
		result.Paths = append(result.Paths, path)
	}
	sort.Strings(result.Paths)

	for _, cp := range undo {
		if err := m.storage.Delete(sessionID, cp.ID); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to delete checkpoint %s: %v", cp.ID, err))
		}
	}
	m.logger.Info("checkpoint restored", "session_id", sessionID, "message_id", messageID,
		"restored", result.FilesRestored, "deleted", result.FilesDeleted)
	return result, nil
}

// ClearSession drops every checkpoint of a session.
func (m *Manager) ClearSession(sessionID string) error {
	if err := ValidateID(sessionID); err != nil {
		return err
	}
	defer m.lock(sessionID)()
	return os.RemoveAll(m.storage.sessionDir(sessionID))
}
