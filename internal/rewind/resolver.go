// Package rewind restores the files a session changed to the state before a
// chosen message.
package rewind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sessionbridge/internal/checkpoint"
	"sessionbridge/internal/git"
	"sessionbridge/internal/provider"
	"sessionbridge/internal/session"
)

const (
	DefaultTimeout       = 45 * time.Second
	DefaultMaxCandidates = 8
)

// Request identifies the restore point.
type Request struct {
	SessionID        string
	MessageID        string
	WorkingDirectory string
}

// Result reports the restore point actually used.
type Result struct {
	SessionID     string       `json:"sessionId"`
	RequestedID   string       `json:"requestedMessageId"`
	UsedMessageID string       `json:"usedMessageId"`
	Candidates    []string     `json:"candidateIds,omitempty"`
	FilesRestored int          `json:"filesRestored"`
	FilesDeleted  int          `json:"filesDeleted"`
	Paths         []string     `json:"paths,omitempty"`
	WorkingTree   *git.Summary `json:"workingTree,omitempty"`
}

// Resumer attaches to a session that is not registered, waiting for its
// transcript file when needed.
type Resumer func(ctx context.Context, req Request) (provider.Handle, error)

// TranscriptReader loads the records of a session.
type TranscriptReader interface {
	Entries(sessionID, workingDirectory string) ([]session.Entry, error)
}

// Resolver performs rewinds.
type Resolver struct {
	registry      *session.Registry
	resume        Resumer
	transcripts   TranscriptReader
	timeout       time.Duration
	maxCandidates int
	summarize     func(dir string) (*git.Summary, error)
	logger        *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each restore call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithWorkingTreeSummary attaches a work tree summary to results.
func WithWorkingTreeSummary(fn func(dir string) (*git.Summary, error)) Option {
	return func(r *Resolver) { r.summarize = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a resolver.
func New(registry *session.Registry, resume Resumer, transcripts TranscriptReader, opts ...Option) *Resolver {
	r := &Resolver{
		registry:      registry,
		resume:        resume,
		transcripts:   transcripts,
		timeout:       DefaultTimeout,
		maxCandidates: DefaultMaxCandidates,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rewind restores files to the state before req.MessageID. When that message
// has no checkpoint it tries the nearest earlier user prompts instead.
//
// The handle is closed on every path, including when it came from the
// registry: a rewound session must be resumed before the next turn.
func (r *Resolver) Rewind(ctx context.Context, req Request) (*Result, error) {
	if req.SessionID == "" || req.MessageID == "" {
		return nil, errors.New("rewind needs a session id and a message id")
	}

	handle, err := r.acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r.registry != nil {
			r.registry.CompareAndRemove(req.SessionID, handle)
		}
		if err := handle.Close(); err != nil {
			r.logger.Warn("failed to release session handle", "session_id", req.SessionID, "error", err)
		}
	}()

	result := &Result{SessionID: req.SessionID, RequestedID: req.MessageID}

	restored, primaryErr := r.restore(ctx, handle, req.MessageID)
	if primaryErr == nil {
		result.UsedMessageID = req.MessageID
		return r.finish(result, restored, req), nil
	}
	if !errors.Is(primaryErr, checkpoint.ErrNoCheckpoint) {
		return nil, fmt.Errorf("restore %s: %w", req.MessageID, primaryErr)
	}

	entries, err := r.transcripts.Entries(req.SessionID, req.WorkingDirectory)
	if err != nil {
		r.logger.Warn("cannot read transcript for rewind fallback", "session_id", req.SessionID, "error", err)
		return nil, fmt.Errorf("restore %s: %w", req.MessageID, primaryErr)
	}
	result.Candidates = BuildCandidates(entries, req.MessageID, r.maxCandidates)
	r.logger.Info("no checkpoint for message, trying fallback candidates",
		"session_id", req.SessionID, "message_id", req.MessageID, "candidates", result.Candidates)

	for _, id := range result.Candidates {
		restored, err := r.restore(ctx, handle, id)
		if err == nil {
			result.UsedMessageID = id
			return r.finish(result, restored, req), nil
		}
		if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return nil, fmt.Errorf("restore fallback %s: %w", id, err)
		}
	}
	return nil, fmt.Errorf("restore %s: %w", req.MessageID, primaryErr)
}

func (r *Resolver) acquire(ctx context.Context, req Request) (provider.Handle, error) {
	if r.registry != nil {
		if h, ok := r.registry.Get(req.SessionID); ok {
			return h, nil
		}
	}
	if r.resume == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, req.SessionID)
	}
	h, err := r.resume(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", req.SessionID, err)
	}
	return h, nil
}

func (r *Resolver) restore(ctx context.Context, h provider.Handle, messageID string) (provider.RestoreResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return h.Restore(ctx, messageID)
}

func (r *Resolver) finish(result *Result, restored provider.RestoreResult, req Request) *Result {
	result.FilesRestored = restored.FilesRestored
	result.FilesDeleted = restored.FilesDeleted
	result.Paths = restored.Paths
	if r.summarize != nil && req.WorkingDirectory != "" {
		summary, err := r.summarize(req.WorkingDirectory)
		if err == nil {
			result.WorkingTree = summary
		} else if !errors.Is(err, git.ErrNotRepository) {
			r.logger.Debug("work tree summary unavailable", "dir", req.WorkingDirectory, "error", err)
		}
	}
	return result
}
