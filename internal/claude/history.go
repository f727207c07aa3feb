// internal/claude/history.go
package claude

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrSessionFileNotFound is returned when no transcript exists for a session.
var ErrSessionFileNotFound = errors.New("session file not found")

// Message is one record of a session transcript.
type Message struct {
	ParentUUID  *string                `json:"parentUuid"`
	IsSidechain bool                   `json:"isSidechain"`
	IsMeta      bool                   `json:"isMeta,omitempty"`
	UserType    string                 `json:"userType,omitempty"`
	Cwd         string                 `json:"cwd,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
	Version     string                 `json:"version,omitempty"`
	GitBranch   string                 `json:"gitBranch,omitempty"`
	Message     map[string]interface{} `json:"message,omitempty"`
	Type        string                 `json:"type"`
	UUID        string                 `json:"uuid"`
	Timestamp   string                 `json:"timestamp"`
}

// Parent returns the parent uuid, empty for a root record.
func (m Message) Parent() string {
	if m.ParentUUID == nil {
		return ""
	}
	return *m.ParentUUID
}

// IsUserText reports whether m is a prompt typed by the user, as opposed to a
// tool result or a meta record the runtime injects with the user role.
func (m Message) IsUserText() bool {
	if m.Type != "user" || m.IsMeta || m.IsSidechain || m.UUID == "" {
		return false
	}
	switch content := m.Message["content"].(type) {
	case string:
		return strings.TrimSpace(content) != ""
	case []interface{}:
		hasText := false
		for _, raw := range content {
			block, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			switch block["type"] {
			case "tool_result":
				return false
			case "text":
				if text, _ := block["text"].(string); strings.TrimSpace(text) != "" {
					hasText = true
				}
			}
		}
		return hasText
	}
	return false
}

// GetProjectHash returns the directory name Claude uses for a project path.
func GetProjectHash(projectPath string) string {
	return strings.ReplaceAll(projectPath, "/", "-")
}

// GetSessionFilePath returns ~/.claude/projects/{project}/{session}.jsonl.
func GetSessionFilePath(claudeDir, projectID, sessionID string) string {
	return filepath.Join(claudeDir, "projects", projectID, sessionID+".jsonl")
}

// FindSessionFile returns the transcript of sessionID for the project at
// projectPath, searching the other project directories when the session was
// started elsewhere.
func FindSessionFile(claudeDir, projectPath, sessionID string) (string, error) {
	if projectPath != "" {
		path := GetSessionFilePath(claudeDir, GetProjectHash(projectPath), sessionID)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	matches, err := filepath.Glob(filepath.Join(claudeDir, "projects", "*", sessionID+".jsonl"))
	if err != nil {
		return "", fmt.Errorf("failed to search projects: %w", err)
	}
	if len(matches) > 0 {
		return matches[0], nil
	}
	return "", fmt.Errorf("%w: %s", ErrSessionFileNotFound, sessionID)
}

// ReadAllMessages reads a transcript, skipping malformed lines.
func ReadAllMessages(filePath string) ([]Message, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	messages := []Message{}
	scanner := bufio.NewScanner(file)
	const maxCapacity = 4 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning file: %w", err)
	}
	return messages, nil
}

// LastMessageID returns the uuid of the final record, used as the parent of
// the next appended record.
func LastMessageID(filePath string) (string, error) {
	messages, err := ReadAllMessages(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].UUID != "" {
			return messages[i].UUID, nil
		}
	}
	return "", nil
}

// AppendMessages writes records to the end of a transcript, creating it and
// its project directory when missing.
func AppendMessages(filePath string, messages ...Message) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create project dir: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", msg.UUID, err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	return w.Flush()
}
