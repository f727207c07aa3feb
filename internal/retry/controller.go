// Package retry runs one logical turn as a bounded sequence of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy holds the fixed retry parameters.
type Policy struct {
	MaxRetries           int
	BaseDelay            time.Duration
	SessionNotFoundDelay time.Duration
	// MaxMessagesForRetry bounds retries to early failures: an attempt that
	// observed this many events or more is never replayed.
	MaxMessagesForRetry int
	SessionWaitTimeout  time.Duration
	SessionPollInterval time.Duration
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:           2,
		BaseDelay:            1500 * time.Millisecond,
		SessionNotFoundDelay: 500 * time.Millisecond,
		MaxMessagesForRetry:  3,
		SessionWaitTimeout:   10 * time.Second,
		SessionPollInterval:  200 * time.Millisecond,
	}
}

// Terminal failure reasons.
const (
	ReasonNotRetryable    = "not retryable"
	ReasonBudgetExhausted = "retry budget exhausted"
	ReasonTooLate         = "failed after output was streamed"
)

// TerminalError is the last error of a turn that will not be retried.
type TerminalError struct {
	Err      error
	Attempts int
	Reason   string
	Stderr   []string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Reason, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// AttemptResult reports how one attempt ended.
type AttemptResult struct {
	MessageCount int
	Err          error
	Interrupted  bool
	Stderr       []string
}

// AttemptFunc starts and drains one attempt. attempt is 0-based.
type AttemptFunc func(ctx context.Context, attempt int) AttemptResult

// SessionWaiter blocks until the on-disk transcript of sessionID exists.
type SessionWaiter func(ctx context.Context, sessionID string, timeout, interval time.Duration) error

// Request carries the state shared by all attempts of a turn.
type Request struct {
	// SessionID returns the logical session id known so far, empty for a
	// new session that has not reported one yet.
	SessionID func() string
}

func (r Request) sessionID() string {
	if r.SessionID == nil {
		return ""
	}
	return r.SessionID()
}

// Result summarizes a finished turn.
type Result struct {
	Attempts     int
	RetryAttempt int
	Interrupted  bool
	// Err is a *TerminalError when the turn failed.
	Err error
}

// Controller applies a Policy around an AttemptFunc.
type Controller struct {
	policy Policy
	wait   SessionWaiter
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSessionWaiter sets the remediation used for the session-not-found race.
func WithSessionWaiter(w SessionWaiter) Option {
	return func(c *Controller) { c.wait = w }
}

// WithSleep replaces the inter-attempt delay function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a controller.
func New(policy Policy, opts ...Option) *Controller {
	c := &Controller{
		policy: policy,
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// Run executes attempts until one succeeds, fails terminally, or the turn
// is interrupted.
func (c *Controller) Run(ctx context.Context, req Request, attempt AttemptFunc) Result {
	for n := 0; ; n++ {
		res := attempt(ctx, n)

		if res.Interrupted || errors.Is(res.Err, ErrInterrupted) || (res.Err != nil && ctx.Err() != nil) {
			return Result{Attempts: n + 1, RetryAttempt: n, Interrupted: true}
		}
		if res.Err == nil {
			return Result{Attempts: n + 1, RetryAttempt: n}
		}

		if reason, ok := c.eligible(n, res); !ok {
			c.logger.Warn("turn failed", "attempt", n, "reason", reason, "error", res.Err)
			return Result{
				Attempts:     n + 1,
				RetryAttempt: n,
				Err:          &TerminalError{Err: res.Err, Attempts: n + 1, Reason: reason, Stderr: res.Stderr},
			}
		}

		delay := c.policy.BaseDelay
		if IsSessionNotFound(res.Err) {
			delay = c.policy.SessionNotFoundDelay
			if id := req.sessionID(); id != "" && c.wait != nil {
				if err := c.wait(ctx, id, c.policy.SessionWaitTimeout, c.policy.SessionPollInterval); err != nil {
					if ctx.Err() != nil {
						return Result{Attempts: n + 1, RetryAttempt: n, Interrupted: true}
					}
					c.logger.Warn("session file did not appear before retry", "session_id", id, "error", err)
				}
			}
		}

		c.logger.Warn("retrying turn", "attempt", n, "next_attempt", n+1, "delay", delay, "messages", res.MessageCount, "error", res.Err)
		if err := c.sleep(ctx, delay); err != nil {
			return Result{Attempts: n + 1, RetryAttempt: n, Interrupted: true}
		}
	}
}

func (c *Controller) eligible(n int, res AttemptResult) (string, bool) {
	switch {
	case !IsRetryable(res.Err):
		return ReasonNotRetryable, false
	case n >= c.policy.MaxRetries:
		return ReasonBudgetExhausted, false
	case res.MessageCount >= c.policy.MaxMessagesForRetry:
		return ReasonTooLate, false
	}
	return "", true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
