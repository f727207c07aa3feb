// Package bridge runs turns against agent runtimes and exposes the session
// operations the CLI and the websocket server call.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"sessionbridge/internal/checkpoint"
	"sessionbridge/internal/database"
	"sessionbridge/internal/git"
	"sessionbridge/internal/permission"
	"sessionbridge/internal/provider"
	"sessionbridge/internal/retry"
	"sessionbridge/internal/rewind"
	"sessionbridge/internal/session"
	"sessionbridge/internal/watcher"
)

// ErrTurnInProgress is returned when a session already has a running turn.
var ErrTurnInProgress = errors.New("a turn is already running for this session")

// Store persists turn runs and provider credentials. *database.Database
// implements it.
type Store interface {
	CreateTurnRun(run *database.TurnRun) (int64, error)
	FinishTurnRun(id int64, sessionID, status string, attempts int, userMessageID, errMsg string) error
	ListTurnRuns(sessionID string, limit int) ([]*database.TurnRun, error)
	GetDefaultProviderApiConfig(providerID string) (*database.ProviderApiConfig, error)
}

// Collaborators answer the permission gate's questions for a turn.
type Collaborators struct {
	Approver     permission.Approver
	Responder    permission.Responder
	PlanReviewer permission.PlanReviewer
}

// Config wires a Service.
type Config struct {
	Runtimes        []provider.Runtime
	DefaultProvider provider.Kind
	DefaultMode     permission.Mode
	Streaming       bool
	Policy          retry.Policy

	Registry    *session.Registry
	Transcripts rewind.TranscriptReader
	Checkpoints *checkpoint.Manager
	Store       Store
	Credentials *CredentialResolver

	Collaborators Collaborators
	// Summarize describes the working tree after a rewind. Optional.
	Summarize func(dir string) (*git.Summary, error)
	Logger    *slog.Logger
}

type sessionInfo struct {
	kind    provider.Kind
	workDir string
}

type activeTurn struct {
	cancel context.CancelFunc
}

// Service is the bridge between callers and agent runtimes.
type Service struct {
	cfg      Config
	runtimes map[provider.Kind]provider.Runtime
	registry *session.Registry
	resolver *rewind.Resolver
	logger   *slog.Logger

	mu       sync.Mutex
	active   map[string]*activeTurn
	sessions map[string]sessionInfo
}

// New creates a service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry(nil)
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = provider.KindClaude
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = permission.ModeDefault
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}

	s := &Service{
		cfg:      cfg,
		runtimes: make(map[provider.Kind]provider.Runtime),
		registry: cfg.Registry,
		logger:   cfg.Logger,
		active:   make(map[string]*activeTurn),
		sessions: make(map[string]sessionInfo),
	}
	for _, rt := range cfg.Runtimes {
		s.runtimes[rt.Kind()] = rt
	}

	opts := []rewind.Option{rewind.WithLogger(cfg.Logger)}
	if cfg.Summarize != nil {
		opts = append(opts, rewind.WithWorkingTreeSummary(cfg.Summarize))
	}
	s.resolver = rewind.New(s.registry, s.resumeForRewind, cfg.Transcripts, opts...)
	return s
}

// Registry returns the session registry.
func (s *Service) Registry() *session.Registry {
	return s.registry
}

func (s *Service) runtime(kind provider.Kind) (provider.Runtime, error) {
	rt, ok := s.runtimes[kind]
	if !ok {
		return nil, fmt.Errorf("provider %s is not available", kind)
	}
	return rt, nil
}

// waiter returns the session-file waiter used before resuming a session.
func (s *Service) waiter(rt provider.Runtime, workDir string) retry.SessionWaiter {
	return func(ctx context.Context, sessionID string, timeout, interval time.Duration) error {
		target := watcher.Target{
			Exists: func() bool { return rt.SessionFileExists(sessionID, workDir) },
		}
		if loc, ok := rt.(provider.SessionLocator); ok {
			target.Dirs = loc.SessionDirs(workDir)
		}
		return watcher.WaitFor(ctx, target, timeout, interval)
	}
}

func (s *Service) remember(sessionID string, info sessionInfo) {
	s.mu.Lock()
	s.sessions[sessionID] = info
	s.mu.Unlock()
}

// lookup finds the provider and directory of a session seen by this process
// or recorded in the turn history.
func (s *Service) lookup(sessionID string) (sessionInfo, bool) {
	s.mu.Lock()
	info, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		return info, true
	}
	if s.cfg.Store == nil {
		return sessionInfo{}, false
	}
	runs, err := s.cfg.Store.ListTurnRuns(sessionID, 1)
	if err != nil || len(runs) == 0 {
		return sessionInfo{}, false
	}
	kind, err := provider.ParseKind(runs[0].Provider)
	if err != nil {
		return sessionInfo{}, false
	}
	info = sessionInfo{kind: kind, workDir: runs[0].ProjectPath}
	s.remember(sessionID, info)
	return info, true
}

// validateIDs rejects caller-supplied ids that cannot name a checkpoint
// directory. Empty ids are allowed.
func validateIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := checkpoint.ValidateID(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) acquireTurn(sessionID string, cancel context.CancelFunc) (*activeTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[sessionID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrTurnInProgress, sessionID)
	}
	t := &activeTurn{cancel: cancel}
	s.active[sessionID] = t
	return t, nil
}

func (s *Service) releaseTurn(sessionID string, t *activeTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[sessionID] == t {
		delete(s.active, sessionID)
	}
}

func (s *Service) turnRunning(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// CancelTurn interrupts the running turn of sessionID. It reports whether a
// turn was running.
func (s *Service) CancelTurn(sessionID string) bool {
	s.mu.Lock()
	t, ok := s.active[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.logger.Info("cancelling turn", "session_id", sessionID)
	t.cancel()
	return true
}

// ListActiveSessions returns the registered session ids, sorted.
func (s *Service) ListActiveSessions() []string {
	return s.registry.ListIDs()
}

// HasActiveSession reports whether sessionID is registered.
func (s *Service) HasActiveSession(sessionID string) bool {
	return s.registry.Has(sessionID)
}

// RemoveSession unregisters sessionID and releases its handle. It is
// idempotent and reports whether the session was registered.
func (s *Service) RemoveSession(sessionID string) bool {
	h, ok := s.registry.Get(sessionID)
	if !ok {
		return false
	}
	removed := s.registry.CompareAndRemove(sessionID, h)
	if err := h.Close(); err != nil {
		s.logger.Warn("failed to close session handle", "session_id", sessionID, "error", err)
	}
	return removed
}

// ClearCheckpoints drops the stored file checkpoints of sessionID. Rewinds
// of its earlier messages fail afterwards.
func (s *Service) ClearCheckpoints(sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if err := validateIDs(sessionID); err != nil {
		return err
	}
	if s.turnRunning(sessionID) {
		return fmt.Errorf("%w: %s", ErrTurnInProgress, sessionID)
	}
	if s.cfg.Checkpoints == nil {
		return nil
	}
	if err := s.cfg.Checkpoints.ClearSession(sessionID); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	s.logger.Info("cleared checkpoints", "session_id", sessionID)
	return nil
}

// Close cancels running turns and releases every registered handle.
func (s *Service) Close() error {
	s.mu.Lock()
	for _, t := range s.active {
		t.cancel()
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, id := range s.registry.ListIDs() {
		h, ok := s.registry.Get(id)
		if !ok || !s.registry.CompareAndRemove(id, h) {
			continue
		}
		if err := h.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close session %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// RewindRequest identifies a rewind target.
type RewindRequest struct {
	SessionID        string `json:"sessionId"`
	MessageID        string `json:"messageId"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// Rewind restores the files of a session to the state before a message.
func (s *Service) Rewind(ctx context.Context, req RewindRequest) (*rewind.Result, error) {
	if req.SessionID == "" || req.MessageID == "" {
		return nil, errors.New("session id and message id are required")
	}
	if err := validateIDs(req.SessionID, req.MessageID); err != nil {
		return nil, err
	}
	if s.turnRunning(req.SessionID) {
		return nil, fmt.Errorf("%w: %s", ErrTurnInProgress, req.SessionID)
	}
	if req.WorkingDirectory == "" {
		if info, ok := s.lookup(req.SessionID); ok {
			req.WorkingDirectory = info.workDir
		}
	}
	return s.resolver.Rewind(ctx, rewind.Request{
		SessionID:        req.SessionID,
		MessageID:        req.MessageID,
		WorkingDirectory: req.WorkingDirectory,
	})
}

func (s *Service) resumeForRewind(ctx context.Context, req rewind.Request) (provider.Handle, error) {
	return s.resume(ctx, req.SessionID, req.WorkingDirectory, true)
}

// resume attaches to a session that is not registered. With wait set it
// first gives the runtime time to flush the transcript.
func (s *Service) resume(ctx context.Context, sessionID, workDir string, wait bool) (provider.Handle, error) {
	info, ok := s.lookup(sessionID)
	if !ok {
		info = sessionInfo{kind: s.cfg.DefaultProvider}
	}
	if workDir == "" {
		workDir = info.workDir
	}
	rt, err := s.runtime(info.kind)
	if err != nil {
		return nil, err
	}

	if wait {
		policy := s.cfg.Policy
		if err := s.waiter(rt, workDir)(ctx, sessionID, policy.SessionWaitTimeout, policy.SessionPollInterval); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Debug("session file not found before resume", "session_id", sessionID, "error", err)
		}
	}
	return rt.Resume(ctx, sessionID, provider.Options{WorkingDirectory: workDir})
}

// SupportedCommands lists the slash commands of a session.
func (s *Service) SupportedCommands(ctx context.Context, sessionID string) ([]provider.Command, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if h, ok := s.registry.Get(sessionID); ok {
		return h.SupportedCommands(ctx)
	}
	if _, ok := s.lookup(sessionID); !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	h, err := s.resume(ctx, sessionID, "", false)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.SupportedCommands(ctx)
}

// TurnHistory returns the most recent turn runs, newest first.
func (s *Service) TurnHistory(sessionID string, limit int) ([]*database.TurnRun, error) {
	if s.cfg.Store == nil {
		return []*database.TurnRun{}, nil
	}
	runs, err := s.cfg.Store.ListTurnRuns(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list turn runs: %w", err)
	}
	if runs == nil {
		runs = []*database.TurnRun{}
	}
	return runs, nil
}
