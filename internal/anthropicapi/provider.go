// Package anthropicapi runs turns against the Messages API directly and
// records them in the Claude transcript format, so sessions stay resumable
// by the CLI runtime.
package anthropicapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"sessionbridge/internal/claude"
	"sessionbridge/internal/provider"
	"sessionbridge/internal/stream"
)

// DefaultMaxTokens bounds a response when the config sets no limit.
const DefaultMaxTokens = 8192

// APIError is a failed Messages API call.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("API request failed: %v", e.Err)
	}
	return fmt.Sprintf("API request failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NonRetryable reports client errors other than rate limits and timeouts.
func (e *APIError) NonRetryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// MessageClient is the subset of the SDK the runtime uses.
type MessageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Runtime sends one request per turn.
type Runtime struct {
	claudeDir string
	model     string
	maxTokens int64
	newClient func(creds provider.Credentials) MessageClient
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithClientFactory replaces the SDK client constructor.
func WithClientFactory(fn func(creds provider.Credentials) MessageClient) Option {
	return func(r *Runtime) { r.newClient = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime creates a runtime writing transcripts under claudeDir.
func NewRuntime(claudeDir, model string, maxTokens int64, opts ...Option) *Runtime {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	r := &Runtime{
		claudeDir: claudeDir,
		model:     model,
		maxTokens: maxTokens,
		newClient: sdkClient,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("provider", provider.KindClaudeAPI)
	return r
}

func sdkClient(creds provider.Credentials) MessageClient {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if creds.APIKey != "" {
		opts = append(opts, option.WithAPIKey(creds.APIKey))
	}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &client.Messages
}

// Kind implements provider.Runtime.
func (r *Runtime) Kind() provider.Kind {
	return provider.KindClaudeAPI
}

// SessionFileExists implements provider.Runtime.
func (r *Runtime) SessionFileExists(sessionID, workingDirectory string) bool {
	_, err := claude.FindSessionFile(r.claudeDir, workingDirectory, sessionID)
	return err == nil
}

// Resume implements provider.Runtime.
func (r *Runtime) Resume(ctx context.Context, sessionID string, opts provider.Options) (provider.Handle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return &Session{runtime: r, opts: opts, sessionID: sessionID, announced: true, done: true}, nil
}

// Start implements provider.Runtime. The first call to Next announces the
// session; the request is sent by the second.
func (r *Runtime) Start(ctx context.Context, input string, opts provider.Options) (provider.Handle, error) {
	sessionID := opts.ResumeID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Session{runtime: r, opts: opts, sessionID: sessionID, input: input}, nil
}

// Session is one API turn.
type Session struct {
	runtime   *Runtime
	opts      provider.Options
	sessionID string
	input     string

	mu        sync.Mutex
	pending   []provider.Event
	announced bool
	done      bool
	cancel    context.CancelFunc
}

// SessionID implements provider.Handle.
func (s *Session) SessionID() string {
	return s.sessionID
}

// Next implements provider.Handle.
func (s *Session) Next(ctx context.Context) (provider.Event, error) {
	if !s.announced {
		s.announced = true
		return provider.SessionStarted{SessionID: s.sessionID, Model: s.model()}, nil
	}
	if len(s.pending) == 0 && !s.done {
		s.done = true
		events, err := s.run(ctx)
		if err != nil {
			return nil, err
		}
		s.pending = events
	}
	if len(s.pending) == 0 {
		return nil, io.EOF
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *Session) model() string {
	if s.opts.Model != "" {
		return s.opts.Model
	}
	return s.runtime.model
}

func (s *Session) run(ctx context.Context) ([]provider.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	path, err := s.transcriptPath()
	if err != nil {
		return nil, err
	}
	history, parent, err := loadConversation(path)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model()),
		MaxTokens: s.runtime.maxTokens,
		Messages:  append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(s.input))),
	}

	s.runtime.logger.Debug("sending message", "session_id", s.sessionID, "model", s.model(), "history", len(history))
	msg, err := s.runtime.newClient(s.opts.Credentials).New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &APIError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return nil, &APIError{Err: err}
	}

	var text, thinking strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		}
	}

	userID := s.opts.UserMessageID
	if userID == "" {
		userID = uuid.NewString()
	}
	if err := s.record(path, parent, userID, msg, text.String()); err != nil {
		return nil, err
	}

	events := []provider.Event{
		provider.UserMessage{ID: userID},
		provider.MessageStart{MessageID: msg.ID},
	}
	if thinking.Len() > 0 {
		events = append(events, provider.Snapshot{Channel: stream.ChannelThinking, MessageID: msg.ID, Text: thinking.String()})
	}
	if text.Len() > 0 {
		events = append(events, provider.Snapshot{Channel: stream.ChannelContent, MessageID: msg.ID, Text: text.String()})
	}
	usage := provider.Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
	return append(events,
		provider.MessageStop{},
		provider.Result{Text: text.String(), Usage: usage},
	), nil
}

func (s *Session) transcriptPath() (string, error) {
	path, err := claude.FindSessionFile(s.runtime.claudeDir, s.opts.WorkingDirectory, s.sessionID)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, claude.ErrSessionFileNotFound) {
		return "", err
	}
	return claude.GetSessionFilePath(s.runtime.claudeDir, claude.GetProjectHash(s.opts.WorkingDirectory), s.sessionID), nil
}

// record appends exactly one user record and one assistant record.
func (s *Session) record(path, parent, userID string, msg *anthropic.Message, text string) error {
	ts := s.runtime.now().UTC().Format(time.RFC3339Nano)
	base := claude.Message{
		UserType:  "external",
		Cwd:       s.opts.WorkingDirectory,
		SessionID: s.sessionID,
		Timestamp: ts,
	}

	user := base
	user.Type = "user"
	user.UUID = userID
	if parent != "" {
		user.ParentUUID = &parent
	}
	user.Message = map[string]interface{}{"role": "user", "content": s.input}

	assistant := base
	assistant.Type = "assistant"
	assistant.UUID = uuid.NewString()
	assistant.ParentUUID = &userID
	assistant.Message = map[string]interface{}{
		"id":          msg.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       string(msg.Model),
		"content":     []interface{}{map[string]interface{}{"type": "text", "text": text}},
		"stop_reason": string(msg.StopReason),
		"usage": map[string]interface{}{
			"input_tokens":  msg.Usage.InputTokens,
			"output_tokens": msg.Usage.OutputTokens,
		},
	}

	if err := claude.AppendMessages(path, user, assistant); err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// loadConversation rebuilds the user/assistant text turns of a transcript
// and returns the id of its last record.
func loadConversation(path string) ([]anthropic.MessageParam, string, error) {
	parent, err := claude.LastMessageID(path)
	if err != nil {
		return nil, "", err
	}
	if parent == "" {
		return nil, "", nil
	}
	records, err := claude.ReadAllMessages(path)
	if err != nil {
		return nil, "", err
	}

	var history []anthropic.MessageParam
	for _, rec := range records {
		if rec.IsSidechain || rec.IsMeta {
			continue
		}
		text := recordText(rec.Message["content"])
		if strings.TrimSpace(text) == "" {
			continue
		}
		switch rec.Type {
		case "user":
			history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		case "assistant":
			history = append(history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		}
	}
	return history, parent, nil
}

func recordText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var parts []string
		for _, raw := range c {
			block, ok := raw.(map[string]interface{})
			if !ok || block["type"] != "text" {
				continue
			}
			if t, _ := block["text"].(string); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// Restore implements provider.Handle. API turns run no tools.
func (s *Session) Restore(ctx context.Context, messageID string) (provider.RestoreResult, error) {
	return provider.RestoreResult{}, provider.ErrRestoreUnsupported
}

// SupportedCommands implements provider.Handle.
func (s *Session) SupportedCommands(ctx context.Context) ([]provider.Command, error) {
	return []provider.Command{}, nil
}

// Stderr implements provider.Handle.
func (s *Session) Stderr() []string {
	return nil
}

// Close implements provider.Handle. It aborts a request in flight.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
