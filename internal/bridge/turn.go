package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"sessionbridge/internal/database"
	"sessionbridge/internal/permission"
	"sessionbridge/internal/protocol"
	"sessionbridge/internal/provider"
	"sessionbridge/internal/retry"
	"sessionbridge/internal/stream"
)

// TurnRequest is one prompt sent to a session.
type TurnRequest struct {
	Input            string `json:"input"`
	SessionID        string `json:"sessionId,omitempty"`
	WorkingDirectory string `json:"workingDirectory"`
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	PermissionMode   string `json:"permissionMode,omitempty"`
	Streaming        *bool  `json:"streaming,omitempty"`
	// UserMessageID fixes the id recorded for the prompt. A new id is
	// generated per attempt when empty.
	UserMessageID string `json:"userMessageId,omitempty"`

	// Collaborators override the service's permission collaborators.
	Collaborators *Collaborators `json:"-"`
}

// SendTurn runs one turn and streams its output to out. The stream always
// ends with RESULT, preceded by SEND_ERROR when the turn failed. The returned
// error reports invalid requests only; turn failures are in the summary.
func (s *Service) SendTurn(ctx context.Context, req TurnRequest, out protocol.Emitter) (TurnSummary, error) {
	t, err := s.newTurn(req, out)
	if err != nil {
		return TurnSummary{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.cancel = cancel
	if req.SessionID != "" {
		if err := t.claim(req.SessionID); err != nil {
			return TurnSummary{}, err
		}
	}
	defer t.release()

	t.startRun()

	var res retry.Result
	creds, credErr := s.cfg.Credentials.Resolve(t.kind)
	t.creds = creds
	if credErr != nil {
		// The rejected credential lookup counts as the one attempt made.
		res = retry.Result{Attempts: 1, Err: &retry.TerminalError{Err: credErr, Attempts: 1, Reason: retry.ReasonNotRetryable}}
	} else {
		controller := retry.New(s.cfg.Policy,
			retry.WithSessionWaiter(s.waiter(t.rt, req.WorkingDirectory)),
			retry.WithLogger(t.logger),
		)
		res = controller.Run(ctx, retry.Request{SessionID: t.SessionID}, t.attempt)
	}
	return t.finish(res), nil
}

type turn struct {
	svc       *Service
	rt        provider.Runtime
	kind      provider.Kind
	req       TurnRequest
	out       protocol.Emitter
	streaming bool
	gate      *permission.Gate
	creds     provider.Credentials
	logger    *slog.Logger
	cancel    context.CancelFunc
	runID     int64

	mu            sync.Mutex
	sessionID     string
	userMessageID string
	active        *activeTurn
	announced     bool
	usage         provider.Usage
	emitFailed    bool
}

func (s *Service) newTurn(req TurnRequest, out protocol.Emitter) (*turn, error) {
	if req.Input == "" {
		return nil, errors.New("input is required")
	}
	if req.WorkingDirectory == "" {
		return nil, errors.New("working directory is required")
	}
	if err := validateIDs(req.SessionID, req.UserMessageID); err != nil {
		return nil, err
	}
	kind := s.cfg.DefaultProvider
	if req.Provider != "" {
		k, err := provider.ParseKind(req.Provider)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	mode := s.cfg.DefaultMode
	if req.PermissionMode != "" {
		m, err := permission.ParseMode(req.PermissionMode)
		if err != nil {
			return nil, err
		}
		mode = m
	}
	rt, err := s.runtime(kind)
	if err != nil {
		return nil, err
	}

	streaming := s.cfg.Streaming
	if req.Streaming != nil {
		streaming = *req.Streaming
	}

	t := &turn{
		svc:       s,
		rt:        rt,
		kind:      kind,
		req:       req,
		out:       out,
		streaming: streaming,
		sessionID: req.SessionID,
		logger:    s.logger.With("provider", kind),
	}

	collab := s.cfg.Collaborators
	if req.Collaborators != nil {
		collab = *req.Collaborators
	}
	t.gate = permission.New(mode,
		permission.WithApprover(collab.Approver),
		permission.WithResponder(collab.Responder),
		permission.WithPlanReviewer(collab.PlanReviewer),
		permission.WithTransitionObserver(func(from, to permission.Mode) {
			t.emitText(protocol.TagStatus, fmt.Sprintf("Permission mode changed to %s", to))
		}),
		permission.WithLogger(t.logger),
	)
	return t, nil
}

// SessionID returns the session id known so far.
func (t *turn) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *turn) ids() (sessionID, userMessageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID, t.userMessageID
}

func (t *turn) setUserMessageID(id string) {
	t.mu.Lock()
	t.userMessageID = id
	t.mu.Unlock()
}

func (t *turn) claim(sessionID string) error {
	active, err := t.svc.acquireTurn(sessionID, t.cancel)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.active = active
	t.mu.Unlock()
	return nil
}

func (t *turn) release() {
	t.mu.Lock()
	active, id := t.active, t.sessionID
	t.mu.Unlock()
	if active != nil {
		t.svc.releaseTurn(id, active)
	}
}

func (t *turn) emit(f protocol.Frame) {
	if err := t.out.Emit(f); err != nil {
		t.mu.Lock()
		first := !t.emitFailed
		t.emitFailed = true
		t.mu.Unlock()
		if first {
			t.logger.Warn("failed to emit frame", "tag", f.Tag, "error", err)
		}
	}
}

func (t *turn) emitText(tag protocol.Tag, text string) {
	t.emit(protocol.TextFrame(tag, text))
}

func (t *turn) emitJSON(tag protocol.Tag, v interface{}) {
	f, err := protocol.JSONFrame(tag, v)
	if err != nil {
		t.logger.Error("failed to encode frame", "tag", tag, "error", err)
		return
	}
	t.emit(f)
}

// attempt starts the runtime and drains it. It is the retry.AttemptFunc of
// the turn; all per-attempt state lives in the stream.Attempt.
func (t *turn) attempt(ctx context.Context, n int) retry.AttemptResult {
	att := stream.NewAttempt(n, t.streaming)
	if n > 0 {
		t.emitText(protocol.TagStatus, fmt.Sprintf("Retrying (attempt %d of %d)", n+1, t.svc.cfg.Policy.MaxRetries+1))
	}

	userMessageID := t.req.UserMessageID
	if userMessageID == "" {
		userMessageID = uuid.NewString()
	}
	t.setUserMessageID(userMessageID)

	opts := provider.Options{
		WorkingDirectory: t.req.WorkingDirectory,
		PermissionMode:   t.gate.Mode(),
		Model:            t.req.Model,
		ResumeID:         t.SessionID(),
		Streaming:        t.streaming,
		UserMessageID:    userMessageID,
		Gate:             &trackingGate{gate: t.gate, turn: t},
		Credentials:      t.creds,
	}
	t.logger.Debug("starting attempt", "attempt", n, "session_id", opts.ResumeID, "mode", opts.PermissionMode)

	h, err := t.rt.Start(ctx, t.req.Input, opts)
	if err != nil {
		if ctx.Err() != nil {
			return retry.AttemptResult{Interrupted: true}
		}
		return retry.AttemptResult{Err: t.classify(err)}
	}

	res := t.drain(ctx, att, h)
	if att.End() {
		t.emit(protocol.Frame{Tag: protocol.TagMessageEnd})
	}
	res.MessageCount = att.MessageCount
	res.Stderr = h.Stderr()
	if err := h.Close(); err != nil {
		t.logger.Warn("failed to close runtime connection", "attempt", n, "error", err)
	}
	return res
}

func (t *turn) drain(ctx context.Context, att *stream.Attempt, h provider.Handle) retry.AttemptResult {
	var (
		failure    error
		sawResult  bool
		runtimeErr string
	)
	for {
		ev, err := h.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return retry.AttemptResult{Interrupted: true}
			}
			return retry.AttemptResult{Err: t.classify(err)}
		}
		if _, unknown := ev.(provider.Unknown); !unknown {
			att.Observe()
		}

		switch e := ev.(type) {
		case provider.SessionStarted:
			t.adopt(e.SessionID, h)
		case provider.UserMessage:
			if e.ID != "" {
				t.setUserMessageID(e.ID)
			}
		case provider.MessageStart, provider.MessageStop:
			// Markers follow emitted text, not runtime message boundaries.
		case provider.TextDelta:
			if d, ok := att.NativeDelta(e.Channel, e.Text); ok {
				t.emitDelta(att, d)
			}
		case provider.Snapshot:
			if d, ok := att.Snapshot(e.Channel, e.MessageID, e.Text); ok {
				t.emitDelta(att, d)
			}
		case provider.ToolStarted:
			id := att.Tools.Started(e.ID, e.Command)
			t.emitJSON(protocol.TagToolUse, stream.ToolInvocation{
				ID: id, Name: e.Name, Input: e.Input, Phase: stream.PhaseStarted,
			})
		case provider.ToolCompleted:
			id, ok := att.Tools.Completed(e.ID, e.Command)
			if !ok {
				t.logger.Debug("tool result without a matching start", "command", e.Command)
			}
			t.emitJSON(protocol.TagToolResult, stream.ToolInvocation{
				ID: id, Phase: stream.PhaseCompleted, IsError: e.IsError, Output: e.Output,
			})
		case provider.Result:
			sawResult = true
			t.mu.Lock()
			t.usage = e.Usage
			t.mu.Unlock()
			if e.IsError {
				msg := e.Text
				if msg == "" {
					msg = "runtime reported an error result"
				}
				failure = t.classify(errors.New(msg))
			}
		case provider.RuntimeError:
			runtimeErr = e.Message
			t.emitText(protocol.TagStatus, e.Message)
		case provider.Unknown:
			t.logger.Debug("skipping unknown runtime event", "kind", e.Kind)
		}
	}

	if ctx.Err() != nil {
		return retry.AttemptResult{Interrupted: true}
	}
	if failure == nil && !sawResult && runtimeErr != "" {
		failure = t.classify(errors.New(runtimeErr))
	}
	return retry.AttemptResult{Err: failure}
}

func (t *turn) emitDelta(att *stream.Attempt, d stream.Delta) {
	if d.Full {
		tag := protocol.TagContent
		if d.Channel == stream.ChannelThinking {
			tag = protocol.TagThinking
		}
		t.emitText(tag, d.Text)
		return
	}
	if att.StartStream() {
		t.emit(protocol.Frame{Tag: protocol.TagMessageStart})
	}
	tag := protocol.TagContentDelta
	if d.Channel == stream.ChannelThinking {
		tag = protocol.TagThinkingDelta
	}
	t.emitText(tag, d.Text)
}

// adopt records the runtime-assigned session id. The first id seen in a
// turn is kept.
func (t *turn) adopt(id string, h provider.Handle) {
	if id == "" {
		return
	}
	t.mu.Lock()
	current := t.sessionID
	if current == "" {
		t.sessionID = id
		current = id
	}
	first := !t.announced
	t.announced = true
	claimed := t.active != nil
	t.mu.Unlock()

	if current != id {
		t.logger.Warn("runtime reported a different session id", "session_id", current, "reported", id)
	}
	if first {
		t.emitText(protocol.TagSessionID, current)
	}
	if !claimed {
		if err := t.claim(current); err != nil {
			t.logger.Warn("cannot mark turn active", "session_id", current, "error", err)
		}
	}
	t.svc.remember(current, sessionInfo{kind: t.kind, workDir: t.req.WorkingDirectory})
	t.svc.registry.Put(current, h)
}

// classify marks credential failures so they are reported with the
// credential source and never retried.
func (t *turn) classify(err error) error {
	if !isAuthFailure(err) {
		return err
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return err
	}
	return &AuthError{
		Source:    t.creds.Source,
		MaskedKey: MaskKey(t.creds.APIKey),
		Endpoint:  Endpoint(t.kind, t.creds),
		Err:       err,
	}
}

func (t *turn) startRun() {
	store := t.svc.cfg.Store
	if store == nil {
		return
	}
	id, err := store.CreateTurnRun(&database.TurnRun{
		SessionID:      t.req.SessionID,
		Provider:       string(t.kind),
		Model:          t.req.Model,
		ProjectPath:    t.req.WorkingDirectory,
		PermissionMode: string(t.gate.Mode()),
	})
	if err != nil {
		t.logger.Warn("failed to record turn run", "error", err)
		return
	}
	t.runID = id
}

// finish emits the terminal frames and records the outcome.
func (t *turn) finish(res retry.Result) TurnSummary {
	sessionID, userMessageID := t.ids()
	t.mu.Lock()
	usage := t.usage
	t.mu.Unlock()

	summary := TurnSummary{
		Success:        res.Err == nil && !res.Interrupted,
		SessionID:      sessionID,
		Provider:       t.kind,
		RetryAttempt:   res.RetryAttempt,
		Attempts:       res.Attempts,
		Interrupted:    res.Interrupted,
		UserMessageID:  userMessageID,
		PermissionMode: string(t.gate.Mode()),
		Usage:          usage,
	}

	status := database.TurnSucceeded
	switch {
	case res.Interrupted:
		status = database.TurnInterrupted
		t.emitText(protocol.TagStatus, "Turn interrupted")
	case res.Err != nil:
		status = database.TurnFailed
		failure := newFailure(t.kind, res.Err, t.creds)
		summary.Error = failure.Message
		t.logger.Error("turn failed", "session_id", sessionID, "attempts", failure.Attempts, "reason", failure.Reason, "error", failure.Error)
		t.emitJSON(protocol.TagSendError, failure)
	}
	t.emitJSON(protocol.TagResult, summary)

	if store := t.svc.cfg.Store; store != nil && t.runID != 0 {
		if err := store.FinishTurnRun(t.runID, sessionID, status, res.Attempts, userMessageID, summary.Error); err != nil {
			t.logger.Warn("failed to finish turn run", "error", err)
		}
	}
	return summary
}
