package eventhub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionbridge/internal/permission"
)

// DefaultPromptTimeout bounds how long a tool waits for a client answer.
const DefaultPromptTimeout = 5 * time.Minute

// ErrPromptTimeout is returned when no client answered in time.
var ErrPromptTimeout = errors.New("no answer from client")

// Prompt kinds.
const (
	PromptApprove = "approve"
	PromptAnswer  = "answer"
	PromptPlan    = "plan"
)

// PromptEvent asks clients to decide a tool request.
type PromptEvent struct {
	ID      string             `json:"id"`
	Kind    string             `json:"kind"`
	Request permission.Request `json:"request"`
}

// PromptResponse is a client's answer. Approved and TargetMode apply to plan
// prompts; the other fields to approvals and answers.
type PromptResponse struct {
	Behavior     permission.Behavior    `json:"behavior"`
	UpdatedInput map[string]interface{} `json:"updatedInput,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Approved     bool                   `json:"approved,omitempty"`
	TargetMode   permission.Mode        `json:"targetMode,omitempty"`
}

// Prompter implements the permission collaborators by publishing prompts on
// the hub and waiting for Resolve.
type Prompter struct {
	hub     *EventHub
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan PromptResponse
}

// NewPrompter creates a prompter. A zero timeout selects
// DefaultPromptTimeout.
func NewPrompter(hub *EventHub, timeout time.Duration) *Prompter {
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	return &Prompter{hub: hub, timeout: timeout, pending: make(map[string]chan PromptResponse)}
}

// Approve implements permission.Approver.
func (p *Prompter) Approve(ctx context.Context, req permission.Request) (permission.Response, error) {
	resp, err := p.ask(ctx, PromptApprove, req)
	if err != nil {
		return permission.Response{}, err
	}
	return permission.Response{Behavior: resp.Behavior, UpdatedInput: resp.UpdatedInput, Message: resp.Message}, nil
}

// Answer implements permission.Responder.
func (p *Prompter) Answer(ctx context.Context, req permission.Request) (permission.Response, error) {
	resp, err := p.ask(ctx, PromptAnswer, req)
	if err != nil {
		return permission.Response{}, err
	}
	return permission.Response{Behavior: resp.Behavior, UpdatedInput: resp.UpdatedInput, Message: resp.Message}, nil
}

// ReviewPlan implements permission.PlanReviewer.
func (p *Prompter) ReviewPlan(ctx context.Context, req permission.Request) (permission.PlanReview, error) {
	resp, err := p.ask(ctx, PromptPlan, req)
	if err != nil {
		return permission.PlanReview{}, err
	}
	return permission.PlanReview{Approved: resp.Approved, TargetMode: resp.TargetMode, Message: resp.Message}, nil
}

// Resolve delivers the answer to prompt id. It reports false when the prompt
// is unknown or already answered.
func (p *Prompter) Resolve(id string, resp PromptResponse) bool {
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Pending returns the number of unanswered prompts.
func (p *Prompter) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Prompter) ask(ctx context.Context, kind string, req permission.Request) (PromptResponse, error) {
	id := uuid.NewString()
	ch := make(chan PromptResponse, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	p.hub.emit(EventPermissionRequest, PromptEvent{ID: id, Kind: kind, Request: req})

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return PromptResponse{}, fmt.Errorf("%w for %s after %s", ErrPromptTimeout, req.ToolName, p.timeout)
	case <-ctx.Done():
		return PromptResponse{}, ctx.Err()
	}
}
