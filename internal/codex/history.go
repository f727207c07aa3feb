// internal/codex/history.go
package codex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrSessionFileNotFound is returned when no rollout exists for a session.
var ErrSessionFileNotFound = errors.New("codex session file not found")

// FindSessionFile searches for a session file in the Codex sessions directory
// Codex stores sessions in ~/.codex/sessions/YYYY/MM/DD/rollout-YYYY-MM-DDTHH-MM-SS-{session_id}.jsonl
func FindSessionFile(codexDir, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrSessionFileNotFound)
	}
	sessionsDir := filepath.Join(codexDir, "sessions")
	if _, err := os.Stat(sessionsDir); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrSessionFileNotFound, sessionID)
	}

	suffix := "-" + sessionID + ".jsonl"
	var found string
	err := filepath.Walk(sessionsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		name := info.Name()
		if !info.IsDir() && strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, suffix) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return "", fmt.Errorf("error walking sessions directory: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrSessionFileNotFound, sessionID)
	}
	return found, nil
}

// SessionDirs returns the day directories a rollout started around now is
// written to. The previous day is included for turns that cross midnight.
func SessionDirs(codexDir string, now time.Time) []string {
	dayDir := func(t time.Time) string {
		return filepath.Join(codexDir, "sessions", t.Format("2006"), t.Format("01"), t.Format("02"))
	}
	return []string{dayDir(now), dayDir(now.Add(-24 * time.Hour))}
}
