// internal/session/history.go
package session

import (
	"errors"
	"fmt"

	"sessionbridge/internal/claude"
)

// ErrNotFound is returned when a session has no transcript on disk.
var ErrNotFound = errors.New("session not found")

// Entry is the part of a transcript record the rewind search needs.
type Entry struct {
	ID       string
	ParentID string
	UserText bool
}

// Transcripts reads the Claude session transcripts under claudeDir.
type Transcripts struct {
	claudeDir string
}

// NewTranscripts creates a transcript reader rooted at claudeDir.
func NewTranscripts(claudeDir string) *Transcripts {
	return &Transcripts{claudeDir: claudeDir}
}

// Locate returns the transcript path of sessionID.
func (t *Transcripts) Locate(sessionID, workingDirectory string) (string, error) {
	path, err := claude.FindSessionFile(t.claudeDir, workingDirectory, sessionID)
	if err != nil {
		if errors.Is(err, claude.ErrSessionFileNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return "", err
	}
	return path, nil
}

// Exists reports whether the transcript of sessionID is on disk.
func (t *Transcripts) Exists(sessionID, workingDirectory string) bool {
	_, err := t.Locate(sessionID, workingDirectory)
	return err == nil
}

// Load returns every record of the session.
func (t *Transcripts) Load(sessionID, workingDirectory string) ([]claude.Message, error) {
	path, err := t.Locate(sessionID, workingDirectory)
	if err != nil {
		return nil, err
	}
	messages, err := claude.ReadAllMessages(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// Entries returns the session's records reduced to ids and parent links.
func (t *Transcripts) Entries(sessionID, workingDirectory string) ([]Entry, error) {
	messages, err := t.Load(sessionID, workingDirectory)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		if m.UUID == "" {
			continue
		}
		entries = append(entries, Entry{
			ID:       m.UUID,
			ParentID: m.Parent(),
			UserText: m.IsUserText(),
		})
	}
	return entries, nil
}
