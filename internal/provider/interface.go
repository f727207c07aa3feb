// internal/provider/interface.go
package provider

import (
	"context"
	"errors"
	"fmt"

	"sessionbridge/internal/permission"
)

// Kind identifies an agent runtime.
type Kind string

const (
	KindClaude    Kind = "claude"
	KindCodex     Kind = "codex"
	KindClaudeAPI Kind = "claude-api"
)

// ParseKind validates a provider name. An empty name selects Claude.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "":
		return KindClaude, nil
	case KindClaude, KindCodex, KindClaudeAPI:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// ErrRestoreUnsupported is returned by handles whose runtime cannot rewind files.
var ErrRestoreUnsupported = errors.New("runtime does not support file restore")

// ToolGate decides tool invocations before the runtime executes them.
type ToolGate interface {
	Decide(ctx context.Context, req permission.Request) permission.Decision
}

// Credentials are the effective API settings handed to a runtime.
type Credentials struct {
	APIKey  string
	BaseURL string
	Source  string
}

// Options configure one runtime connection.
type Options struct {
	WorkingDirectory string
	PermissionMode   permission.Mode
	Model            string
	// ResumeID continues an existing session when set.
	ResumeID  string
	Streaming bool
	// UserMessageID is the id the runtime should record for the prompt.
	UserMessageID string
	Gate          ToolGate
	Credentials   Credentials
}

// Runtime starts connections to one kind of agent runtime.
type Runtime interface {
	Kind() Kind

	// Start launches a turn with input and returns its handle.
	Start(ctx context.Context, input string, opts Options) (Handle, error)

	// Resume attaches to an existing session without sending a prompt. The
	// handle serves Restore and SupportedCommands; Next returns io.EOF.
	Resume(ctx context.Context, sessionID string, opts Options) (Handle, error)

	// SessionFileExists reports whether the transcript of sessionID is on disk.
	SessionFileExists(sessionID, workingDirectory string) bool
}

// Handle is a live connection to a runtime session.
type Handle interface {
	// SessionID returns the runtime-assigned id, empty until reported.
	SessionID() string

	// Next returns the next event in order, or io.EOF after a clean end.
	Next(ctx context.Context) (Event, error)

	// Restore rolls files back to the state before messageID. It returns an
	// error wrapping checkpoint.ErrNoCheckpoint when nothing was recorded.
	Restore(ctx context.Context, messageID string) (RestoreResult, error)

	// SupportedCommands lists slash commands available in the session.
	SupportedCommands(ctx context.Context) ([]Command, error)

	// Stderr returns the most recent stderr lines of the child process.
	Stderr() []string

	// Close shuts the connection down gracefully. It is idempotent.
	Close() error
}

// RestoreResult reports what a restore changed.
type RestoreResult struct {
	FilesRestored int      `json:"filesRestored"`
	FilesDeleted  int      `json:"filesDeleted"`
	Paths         []string `json:"paths,omitempty"`
}

// Command is a slash command the runtime accepts.
type Command struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argumentHint,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// SessionLocator is implemented by runtimes that know the directories a new
// transcript is written to, so a waiter can watch them instead of polling.
type SessionLocator interface {
	SessionDirs(workingDirectory string) []string
}
