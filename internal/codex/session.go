// internal/codex/session.go
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionbridge/internal/claude"
	"sessionbridge/internal/permission"
	"sessionbridge/internal/process"
	"sessionbridge/internal/provider"
	"sessionbridge/internal/stream"
)

// Sandbox policies of codex exec.
const (
	SandboxReadOnly         = "read-only"
	SandboxWorkspaceWrite   = "workspace-write"
	SandboxDangerFullAccess = "danger-full-access"
)

// SandboxFor maps a permission mode onto the sandbox codex enforces itself,
// since exec mode never asks for approval.
func SandboxFor(mode permission.Mode) string {
	switch mode {
	case permission.ModePlan:
		return SandboxReadOnly
	case permission.ModeBypassPermissions:
		return SandboxDangerFullAccess
	default:
		return SandboxWorkspaceWrite
	}
}

// ExitError reports a codex process that ended without completing the turn.
type ExitError struct {
	ExitCode int
	Stderr   []string
	Cause    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("codex exited with code %d", e.ExitCode)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.TrimSpace(e.Stderr[len(e.Stderr)-1])
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// Runtime launches `codex exec --json`.
type Runtime struct {
	binary    string
	codexDir  string
	claudeDir string
	procs     *process.Manager
	logger    *slog.Logger
	now       func() time.Time
}

// NewRuntime creates a runtime. claudeDir is consulted for API keys kept in
// the Claude settings env.
func NewRuntime(binary, codexDir, claudeDir string, procs *process.Manager, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		binary:    binary,
		codexDir:  codexDir,
		claudeDir: claudeDir,
		procs:     procs,
		logger:    logger.With("provider", provider.KindCodex),
		now:       time.Now,
	}
}

// Kind implements provider.Runtime.
func (r *Runtime) Kind() provider.Kind {
	return provider.KindCodex
}

// SessionFileExists implements provider.Runtime.
func (r *Runtime) SessionFileExists(sessionID, workingDirectory string) bool {
	_, err := FindSessionFile(r.codexDir, sessionID)
	return err == nil
}

// SessionDirs implements provider.SessionLocator.
func (r *Runtime) SessionDirs(workingDirectory string) []string {
	return SessionDirs(r.codexDir, r.now())
}

// Resume implements provider.Runtime.
func (r *Runtime) Resume(ctx context.Context, sessionID string, opts provider.Options) (provider.Handle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return &Session{runtime: r, opts: opts, threadID: sessionID, closed: make(chan struct{})}, nil
}

// Start implements provider.Runtime. The prompt is written to stdin, which
// is then closed.
func (r *Runtime) Start(ctx context.Context, input string, opts provider.Options) (provider.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := buildArgs(opts)
	r.logger.Debug("starting codex", "args", args, "cwd", opts.WorkingDirectory)

	cmd := exec.Command(r.binary, args...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = r.buildEnv(opts.Credentials)

	proc, err := r.procs.Spawn("codex-"+uuid.NewString(), cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start codex: %w", err)
	}

	s := &Session{
		runtime:  r,
		opts:     opts,
		threadID: opts.ResumeID,
		proc:     proc,
		lines:    make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	go s.readStdout()

	if _, err := io.WriteString(proc.Stdin, input); err != nil {
		s.Close()
		return nil, &ExitError{ExitCode: -1, Stderr: proc.Stderr(), Cause: fmt.Errorf("failed to write prompt: %w", err)}
	}
	proc.Stdin.Close()
	return s, nil
}

func buildArgs(opts provider.Options) []string {
	sandbox := SandboxFor(opts.PermissionMode)
	args := []string{
		"exec",
		"--json",
		"--color", "never",
		"--skip-git-repo-check",
		"--sandbox", sandbox,
		"-c", `approval_policy="never"`,
	}
	if sandbox == SandboxWorkspaceWrite {
		args = append(args, "-c", "sandbox_workspace_write.network_access=true")
	}
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}
	if opts.WorkingDirectory != "" {
		args = append(args, "-C", opts.WorkingDirectory)
	}
	if opts.ResumeID != "" {
		args = append(args, "resume", opts.ResumeID)
	}
	// Read the prompt from stdin.
	return append(args, "-")
}

// buildEnv adds provider credentials and fills OpenAI keys missing from the
// environment from the Claude settings env.
func (r *Runtime) buildEnv(creds provider.Credentials) []string {
	env := os.Environ()
	if creds.APIKey != "" {
		env = append(env, "OPENAI_API_KEY="+creds.APIKey)
	}
	if creds.BaseURL != "" {
		env = append(env, "OPENAI_BASE_URL="+creds.BaseURL)
	}

	settings, err := claude.SettingsEnv(r.claudeDir)
	if err != nil {
		r.logger.Debug("could not read claude settings", "error", err)
		return env
	}
	for _, key := range []string{"OPENAI_API_KEY", "CRS_OAI_KEY"} {
		if hasEnv(env, key) {
			continue
		}
		if v := settings[key]; v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func hasEnv(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) && len(e) > len(prefix) {
			return true
		}
	}
	return false
}

// Session is one codex exec process.
type Session struct {
	runtime *Runtime
	opts    provider.Options
	proc    *process.Process

	mu       sync.Mutex
	threadID string

	lines     chan []byte
	readErr   error
	pending   []provider.Event
	lastText  string
	completed bool

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// SessionID implements provider.Handle.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

func (s *Session) adopt(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadID == "" && id != "" {
		s.threadID = id
	}
}

func (s *Session) readStdout() {
	defer close(s.lines)

	scanner := bufio.NewScanner(s.proc.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case s.lines <- line:
		case <-s.closed:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.readErr = err
	}
}

// Next implements provider.Handle.
func (s *Session) Next(ctx context.Context) (provider.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.lines == nil {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				return nil, s.finish(ctx)
			}
			s.pending = append(s.pending, s.handleLine(line)...)
		}
	}
}

func (s *Session) finish(ctx context.Context) error {
	select {
	case <-s.proc.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.lines = nil

	if s.readErr != nil {
		return &ExitError{ExitCode: s.proc.ExitCode(), Stderr: s.proc.Stderr(), Cause: s.readErr}
	}
	if err := s.proc.ExitErr(); err != nil && !s.completed {
		return &ExitError{ExitCode: s.proc.ExitCode(), Stderr: s.proc.Stderr(), Cause: err}
	}
	if !s.completed {
		return &ExitError{ExitCode: s.proc.ExitCode(), Stderr: s.proc.Stderr(), Cause: fmt.Errorf("turn did not complete")}
	}
	return io.EOF
}

type execEvent struct {
	Type     string    `json:"type"`
	ThreadID string    `json:"thread_id"`
	Item     *execItem `json:"item"`
	Usage    *struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

type execItem struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	ItemType         string `json:"item_type"`
	Text             string `json:"text"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
	ExitCode         *int   `json:"exit_code"`
	Status           string `json:"status"`
	Server           string `json:"server"`
	Tool             string `json:"tool"`
	Changes          []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes"`
}

func (it *execItem) kind() string {
	if it.Type != "" {
		return it.Type
	}
	return it.ItemType
}

func (s *Session) handleLine(line []byte) []provider.Event {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil
	}
	var ev execEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		s.runtime.logger.Debug("dropping malformed line", "error", err)
		return nil
	}

	switch ev.Type {
	case "thread.started":
		s.adopt(ev.ThreadID)
		return []provider.Event{provider.SessionStarted{SessionID: ev.ThreadID}}

	case "turn.started", "item.updated":
		return nil

	case "item.started":
		if ev.Item == nil {
			return nil
		}
		return s.itemStarted(ev.Item)

	case "item.completed":
		if ev.Item == nil {
			return nil
		}
		return s.itemCompleted(ev.Item)

	case "turn.completed":
		s.completed = true
		res := provider.Result{Text: s.lastText}
		if ev.Usage != nil {
			res.Usage = provider.Usage{InputTokens: ev.Usage.InputTokens + ev.Usage.CachedInputTokens, OutputTokens: ev.Usage.OutputTokens}
		}
		return []provider.Event{res}

	case "turn.failed":
		s.completed = true
		msg := "codex turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []provider.Event{provider.Result{IsError: true, Text: msg}}

	case "error":
		return []provider.Event{provider.RuntimeError{Message: ev.Message}}
	}
	return []provider.Event{provider.Unknown{Kind: ev.Type}}
}

func (s *Session) itemStarted(it *execItem) []provider.Event {
	switch it.kind() {
	case "command_execution":
		return []provider.Event{provider.ToolStarted{
			ID:      it.ID,
			Name:    "Bash",
			Input:   map[string]interface{}{"command": it.Command},
			Command: it.Command,
		}}
	case "mcp_tool_call":
		return []provider.Event{provider.ToolStarted{
			ID:    it.ID,
			Name:  "mcp__" + it.Server + "__" + it.Tool,
			Input: map[string]interface{}{},
		}}
	}
	return nil
}

func (s *Session) itemCompleted(it *execItem) []provider.Event {
	switch it.kind() {
	case "agent_message", "assistant_message":
		s.lastText = it.Text
		return []provider.Event{provider.Snapshot{Channel: stream.ChannelContent, MessageID: it.ID, Text: it.Text}}

	case "reasoning":
		return []provider.Event{provider.Snapshot{Channel: stream.ChannelThinking, MessageID: it.ID, Text: it.Text}}

	case "command_execution":
		failed := it.Status == "failed" || (it.ExitCode != nil && *it.ExitCode != 0)
		return []provider.Event{provider.ToolCompleted{
			ID:      it.ID,
			Command: it.Command,
			Output:  it.AggregatedOutput,
			IsError: failed,
		}}

	case "mcp_tool_call":
		return []provider.Event{provider.ToolCompleted{ID: it.ID, IsError: it.Status == "failed"}}

	case "file_change":
		// Patches are applied without a started item.
		paths := make([]interface{}, 0, len(it.Changes))
		var summary []string
		for _, c := range it.Changes {
			paths = append(paths, c.Path)
			summary = append(summary, c.Kind+" "+c.Path)
		}
		return []provider.Event{
			provider.ToolStarted{ID: it.ID, Name: "Edit", Input: map[string]interface{}{"paths": paths}},
			provider.ToolCompleted{ID: it.ID, Output: strings.Join(summary, "\n"), IsError: it.Status == "failed"},
		}
	}
	return []provider.Event{provider.Unknown{Kind: "item:" + it.kind()}}
}

// Restore implements provider.Handle. Codex keeps no file checkpoints.
func (s *Session) Restore(ctx context.Context, messageID string) (provider.RestoreResult, error) {
	return provider.RestoreResult{}, provider.ErrRestoreUnsupported
}

// SupportedCommands implements provider.Handle: the built-ins plus custom
// prompts under ~/.codex/prompts.
func (s *Session) SupportedCommands(ctx context.Context) ([]provider.Command, error) {
	commands := []provider.Command{
		{Name: "clear", Description: "Clear conversation history and start fresh", Scope: claude.ScopeBuiltin},
		{Name: "compact", Description: "Summarize the conversation to free context", Scope: claude.ScopeBuiltin},
		{Name: "review", Description: "Review the current changes", Scope: claude.ScopeBuiltin},
	}
	prompts, err := claude.LoadCommandDir(filepath.Join(s.runtime.codexDir, "prompts"), claude.ScopeUser, "prompts:")
	if err != nil {
		return nil, err
	}
	return append(commands, prompts...), nil
}

// Stderr implements provider.Handle.
func (s *Session) Stderr() []string {
	if s.proc == nil {
		return nil
	}
	return s.proc.Stderr()
}

// Close implements provider.Handle.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.proc == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), process.InterruptGrace+process.TerminateGrace+time.Second)
		defer cancel()
		s.closeErr = s.proc.GracefulShutdown(ctx)
	})
	return s.closeErr
}
