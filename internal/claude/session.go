// internal/claude/session.go
package claude

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

	"sessionbridge/internal/checkpoint"
	"sessionbridge/internal/permission"
	"sessionbridge/internal/process"
	"sessionbridge/internal/provider"
	"sessionbridge/internal/stream"
)

// ProcessError reports a CLI process that ended without a result.
type ProcessError struct {
	Message  string
	Stderr   []string
	ExitCode int
	Cause    error
}

func (e *ProcessError) Error() string {
	msg := e.Message
	if len(e.Stderr) > 0 {
		msg += ": " + e.Stderr[len(e.Stderr)-1]
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// modeReporter is implemented by gates whose mode can change mid-turn.
type modeReporter interface {
	Mode() permission.Mode
}

// Runtime launches the Claude CLI in stream-json mode.
type Runtime struct {
	binary      string
	claudeDir   string
	procs       *process.Manager
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
}

// NewRuntime creates a runtime. checkpoints may be nil, in which case
// Restore is unsupported.
func NewRuntime(binary, claudeDir string, procs *process.Manager, checkpoints *checkpoint.Manager, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		binary:      binary,
		claudeDir:   claudeDir,
		procs:       procs,
		checkpoints: checkpoints,
		logger:      logger.With("provider", provider.KindClaude),
	}
}

// Kind implements provider.Runtime.
func (r *Runtime) Kind() provider.Kind {
	return provider.KindClaude
}

// SessionFileExists implements provider.Runtime.
func (r *Runtime) SessionFileExists(sessionID, workingDirectory string) bool {
	_, err := FindSessionFile(r.claudeDir, workingDirectory, sessionID)
	return err == nil
}

// SessionDirs implements provider.SessionLocator.
func (r *Runtime) SessionDirs(workingDirectory string) []string {
	return []string{filepath.Join(r.claudeDir, "projects", GetProjectHash(workingDirectory))}
}

// Resume implements provider.Runtime. Restores are served from the local
// checkpoint store, so no process is started.
func (r *Runtime) Resume(ctx context.Context, sessionID string, opts provider.Options) (provider.Handle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return &Session{runtime: r, opts: opts, sessionID: sessionID, closed: make(chan struct{}), logger: r.logger}, nil
}

// Start implements provider.Runtime.
func (r *Runtime) Start(ctx context.Context, input string, opts provider.Options) (provider.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := buildArgs(opts)
	r.logger.Debug("starting claude", "args", args, "cwd", opts.WorkingDirectory)

	cmd := exec.Command(r.binary, args...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = buildEnv(opts.Credentials)

	proc, err := r.procs.Spawn("claude-"+uuid.NewString(), cmd)
	if err != nil {
		return nil, &ProcessError{Message: "failed to start claude", ExitCode: -1, Cause: err}
	}

	s := &Session{
		runtime:   r,
		opts:      opts,
		sessionID: opts.ResumeID,
		proc:      proc,
		lines:     make(chan []byte, 64),
		closed:    make(chan struct{}),
		mode:      cliMode(opts.PermissionMode),
		logger:    r.logger,
	}
	go s.readStdout()

	msg := userInput{Type: "user", UUID: opts.UserMessageID}
	msg.Message.Role = "user"
	msg.Message.Content = input
	if err := s.write(msg); err != nil {
		s.Close()
		return nil, &ProcessError{Message: "failed to write prompt", Stderr: proc.Stderr(), ExitCode: -1, Cause: err}
	}
	return s, nil
}

func buildArgs(opts provider.Options) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
		"--replay-user-messages",
	}
	if opts.Streaming {
		args = append(args, "--include-partial-messages")
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, "--permission-mode", string(cliMode(opts.PermissionMode)))
	return args
}

// cliMode maps a gate mode to the mode the CLI runs in. Only plan mode is
// handed over; every other mode stays in the gate so that each tool call
// arrives as a can_use_tool request.
func cliMode(mode permission.Mode) permission.Mode {
	if mode == permission.ModePlan {
		return permission.ModePlan
	}
	return permission.ModeDefault
}

func buildEnv(creds provider.Credentials) []string {
	env := os.Environ()
	if creds.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+creds.APIKey)
	}
	if creds.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+creds.BaseURL)
	}
	return env
}

// Session is one CLI process serving a turn, or a process-less handle of a
// resumed session.
type Session struct {
	runtime *Runtime
	opts    provider.Options
	proc    *process.Process
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID string

	lines   chan []byte
	readErr error
	pending []provider.Event

	// Snapshot accumulation of the current assistant message.
	snapID       string
	snapText     string
	snapThinking string

	mode      permission.Mode
	sawResult bool

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// SessionID implements provider.Handle.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) adopt(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" && id != "" {
		s.sessionID = id
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

// Next implements provider.Handle. Permission requests are answered inline
// and never surface as events.
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
			events, err := s.handleLine(ctx, line)
			if err != nil {
				return nil, err
			}
			s.pending = append(s.pending, events...)
		}
	}
}

// finish runs once stdout is drained and reports how the process ended.
func (s *Session) finish(ctx context.Context) error {
	select {
	case <-s.proc.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.lines = nil

	if s.readErr != nil {
		return &ProcessError{Message: "failed to read claude output", Stderr: s.proc.Stderr(), ExitCode: s.proc.ExitCode(), Cause: s.readErr}
	}
	if err := s.proc.ExitErr(); err != nil && !s.sawResult {
		return &ProcessError{
			Message:  fmt.Sprintf("claude exited with code %d", s.proc.ExitCode()),
			Stderr:   s.proc.Stderr(),
			ExitCode: s.proc.ExitCode(),
			Cause:    err,
		}
	}
	if !s.sawResult {
		return &ProcessError{Message: "claude exited without a result", Stderr: s.proc.Stderr(), ExitCode: s.proc.ExitCode()}
	}
	return io.EOF
}

func (s *Session) handleLine(ctx context.Context, line []byte) ([]provider.Event, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		s.logger.Debug("dropping malformed line", "error", err)
		return nil, nil
	}

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return []provider.Event{provider.Unknown{Kind: "system:" + env.Subtype}}, nil
		}
		var init systemInit
		if err := json.Unmarshal(line, &init); err != nil {
			return nil, nil
		}
		s.adopt(init.SessionID)
		return []provider.Event{provider.SessionStarted{SessionID: init.SessionID, Model: init.Model}}, nil

	case "stream_event":
		return s.handleStreamEvent(line), nil

	case "assistant":
		return s.handleAssistant(line), nil

	case "user":
		return s.handleUser(line), nil

	case "result":
		var res resultMessage
		if err := json.Unmarshal(line, &res); err != nil {
			return nil, nil
		}
		s.adopt(env.SessionID)
		s.sawResult = true
		// The CLI exits once its input ends.
		s.proc.Stdin.Close()
		return []provider.Event{provider.Result{
			IsError: res.IsError,
			Text:    res.Result,
			Usage:   provider.Usage{InputTokens: res.Usage.InputTokens, OutputTokens: res.Usage.OutputTokens},
		}}, nil

	case "error":
		var msg errorMessage
		json.Unmarshal(line, &msg)
		text := msg.Error
		if text == "" {
			text = msg.Message
		}
		return []provider.Event{provider.RuntimeError{Message: text}}, nil

	case "control_request":
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Debug("dropping malformed control request", "error", err)
			return nil, nil
		}
		return nil, s.handleControl(ctx, req)

	case "control_response":
		return nil, nil
	}
	return []provider.Event{provider.Unknown{Kind: env.Type}}, nil
}

func (s *Session) handleStreamEvent(line []byte) []provider.Event {
	var se streamEvent
	if err := json.Unmarshal(line, &se); err != nil {
		return nil
	}
	ev := se.Event
	switch ev.Type {
	case "message_start":
		return []provider.Event{provider.MessageStart{MessageID: ev.Message.ID}}
	case "message_stop":
		return []provider.Event{provider.MessageStop{}}
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			return []provider.Event{provider.TextDelta{Channel: stream.ChannelContent, Text: ev.Delta.Text}}
		case "thinking_delta":
			return []provider.Event{provider.TextDelta{Channel: stream.ChannelThinking, Text: ev.Delta.Thinking}}
		}
	}
	return []provider.Event{provider.Unknown{Kind: "stream_event:" + ev.Type}}
}

func (s *Session) handleAssistant(line []byte) []provider.Event {
	var msg assistantMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil
	}
	id := msg.Message.ID
	if id != s.snapID {
		s.snapID, s.snapText, s.snapThinking = id, "", ""
	}

	var text, thinking strings.Builder
	var tools []provider.Event
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "tool_use":
			command, _ := block.Input["command"].(string)
			tools = append(tools, provider.ToolStarted{ID: block.ID, Name: block.Name, Input: block.Input, Command: command})
		}
	}

	var events []provider.Event
	if thinking.Len() > 0 {
		s.snapThinking = accumulate(s.snapThinking, thinking.String())
		events = append(events, provider.Snapshot{Channel: stream.ChannelThinking, MessageID: id, Text: s.snapThinking})
	}
	if text.Len() > 0 {
		s.snapText = accumulate(s.snapText, text.String())
		events = append(events, provider.Snapshot{Channel: stream.ChannelContent, MessageID: id, Text: s.snapText})
	}
	return append(events, tools...)
}

// accumulate appends next to the text seen so far for a message. The CLI
// sends one line per content block, but a line that already repeats the
// earlier text replaces it.
func accumulate(prev, next string) string {
	if prev != "" && strings.HasPrefix(next, prev) {
		return next
	}
	return prev + next
}

func (s *Session) handleUser(line []byte) []provider.Event {
	var msg userMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil
	}

	var events []provider.Event
	for _, block := range userContentBlocks(msg.Message.Content) {
		if block.Type == "tool_result" {
			events = append(events, provider.ToolCompleted{
				ID:      block.ToolUseID,
				Output:  toolResultText(block.Content),
				IsError: block.IsError,
			})
		}
	}
	if len(events) == 0 && msg.UUID != "" {
		events = append(events, provider.UserMessage{ID: msg.UUID})
	}
	return events
}

func (s *Session) handleControl(ctx context.Context, req controlRequest) error {
	if req.Request.Subtype != "can_use_tool" {
		s.logger.Warn("skipping unknown control request subtype", "subtype", req.Request.Subtype)
		return s.write(controlResponse{
			Type:     "control_response",
			Response: responsePayload{Subtype: "error", RequestID: req.RequestID, Error: "unsupported request: " + req.Request.Subtype},
		})
	}

	decision := permission.Decision{Outcome: permission.Approve, UpdatedInput: req.Request.Input}
	if s.opts.Gate != nil {
		decision = s.opts.Gate.Decide(ctx, permission.Request{
			ToolName:  req.Request.ToolName,
			Input:     req.Request.Input,
			ToolUseID: req.Request.ToolUseID,
		})
	}

	var body interface{}
	if decision.Approved() {
		input := decision.UpdatedInput
		if input == nil {
			input = req.Request.Input
		}
		if input == nil {
			input = map[string]interface{}{}
		}
		body = permissionAllow{Behavior: "allow", UpdatedInput: input}
	} else {
		body = permissionDeny{Behavior: "deny", Message: decision.Reason}
	}
	s.logger.Debug("answered tool request", "tool", req.Request.ToolName, "decision", decision.Outcome)

	if err := s.write(controlResponse{
		Type:     "control_response",
		Response: responsePayload{Subtype: "success", RequestID: req.RequestID, Response: body},
	}); err != nil {
		return err
	}
	return s.syncMode()
}

// syncMode forwards a mode change made by the gate, such as leaving plan
// mode after plan approval, to the CLI.
func (s *Session) syncMode() error {
	mr, ok := s.opts.Gate.(modeReporter)
	if !ok {
		return nil
	}
	mode := cliMode(mr.Mode())
	if mode == s.mode {
		return nil
	}
	s.logger.Info("forwarding permission mode", "session_id", s.SessionID(), "from", s.mode, "to", mode)
	s.mode = mode
	return s.write(outgoingRequest{
		Type:      "control_request",
		RequestID: "req_" + uuid.NewString(),
		Request:   setPermissionMode{Subtype: "set_permission_mode", Mode: string(mode)},
	})
}

func (s *Session) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.proc.Stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to claude: %w", err)
	}
	return nil
}

// Restore implements provider.Handle using the local checkpoint store.
func (s *Session) Restore(ctx context.Context, messageID string) (provider.RestoreResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.RestoreResult{}, err
	}
	if s.runtime.checkpoints == nil {
		return provider.RestoreResult{}, provider.ErrRestoreUnsupported
	}
	res, err := s.runtime.checkpoints.Restore(s.SessionID(), messageID)
	if err != nil {
		return provider.RestoreResult{}, err
	}
	return provider.RestoreResult{FilesRestored: res.FilesRestored, FilesDeleted: res.FilesDeleted, Paths: res.Paths}, nil
}

// SupportedCommands implements provider.Handle.
func (s *Session) SupportedCommands(ctx context.Context) ([]provider.Command, error) {
	return ListCommands(s.runtime.claudeDir, s.opts.WorkingDirectory)
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
