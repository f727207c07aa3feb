// Package permission decides whether a tool invocation may run.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Mode is the permission policy of a session.
type Mode string

const (
	ModeDefault           Mode = "default"
	ModeAcceptEdits       Mode = "acceptEdits"
	ModePlan              Mode = "plan"
	ModeBypassPermissions Mode = "bypassPermissions"
)

// ParseMode validates a mode name. An empty name is the default mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeDefault, nil
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypassPermissions:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown permission mode %q", s)
}

// Outcome is the gate's verdict.
type Outcome string

const (
	Approve Outcome = "approve"
	Block   Outcome = "block"
)

// Request describes one tool invocation awaiting a decision.
type Request struct {
	ToolName  string                 `json:"toolName"`
	Input     map[string]interface{} `json:"input"`
	ToolUseID string                 `json:"toolUseId,omitempty"`
}

// Decision is the result of gating a request. Reason is set iff blocked.
type Decision struct {
	Outcome      Outcome                `json:"decision"`
	Reason       string                 `json:"reason,omitempty"`
	UpdatedInput map[string]interface{} `json:"updatedInput,omitempty"`
}

// Approved reports whether the tool may run.
func (d Decision) Approved() bool {
	return d.Outcome == Approve
}

func approve(input map[string]interface{}) Decision {
	return Decision{Outcome: Approve, UpdatedInput: input}
}

func block(reason string) Decision {
	return Decision{Outcome: Block, Reason: reason}
}

// Gate holds the permission mode of one session and decides tool requests.
type Gate struct {
	mu   sync.Mutex
	mode Mode

	approver     Approver
	responder    Responder
	reviewer     PlanReviewer
	onTransition func(from, to Mode)
	logger       *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithApprover sets the user-approval collaborator.
func WithApprover(a Approver) Option {
	return func(g *Gate) { g.approver = a }
}

// WithResponder sets the collaborator that answers interactive tools.
func WithResponder(r Responder) Option {
	return func(g *Gate) { g.responder = r }
}

// WithPlanReviewer sets the collaborator that approves plans.
func WithPlanReviewer(r PlanReviewer) Option {
	return func(g *Gate) { g.reviewer = r }
}

// WithTransitionObserver registers fn to run after every mode change.
func WithTransitionObserver(fn func(from, to Mode)) Option {
	return func(g *Gate) { g.onTransition = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate starting in mode.
func New(mode Mode, opts ...Option) *Gate {
	if mode == "" {
		mode = ModeDefault
	}
	g := &Gate{mode: mode, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mode returns the current mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Transition is the only way the mode changes. Leaving plan mode is the
// usual case, driven by an approved ExitPlanMode call.
func (g *Gate) Transition(to Mode) error {
	to, err := ParseMode(string(to))
	if err != nil {
		return err
	}

	g.mu.Lock()
	from := g.mode
	g.mode = to
	observer := g.onTransition
	g.mu.Unlock()

	if from == to {
		return nil
	}
	g.logger.Info("permission mode changed", "from", from, "to", to)
	if observer != nil {
		observer(from, to)
	}
	return nil
}

// Decide produces exactly one decision for req. Collaborators are called
// without holding the gate lock.
func (g *Gate) Decide(ctx context.Context, req Request) Decision {
	mode := g.Mode()
	d := g.decide(ctx, mode, req)
	g.logger.Debug("tool gated", "tool", req.ToolName, "mode", mode, "decision", d.Outcome, "reason", d.Reason)
	return d
}

func (g *Gate) decide(ctx context.Context, mode Mode, req Request) Decision {
	name := req.ToolName

	if IsInteractive(name) {
		return g.askResponder(ctx, req)
	}

	if IsReadOnly(name) {
		return approve(req.Input)
	}

	if mode == ModePlan {
		switch {
		case name == ToolExitPlanMode:
			return g.reviewPlan(ctx, req)
		case planWhitelist[name]:
			return approve(req.Input)
		case IsShell(name):
			return g.askApprover(ctx, req)
		default:
			return block(fmt.Sprintf("tool %s is not allowed in plan mode; present the plan with ExitPlanMode first", name))
		}
	}

	if mode == ModeBypassPermissions {
		return approve(req.Input)
	}

	if mode == ModeAcceptEdits && IsFileMutation(name) {
		return approve(req.Input)
	}

	return g.askApprover(ctx, req)
}

func (g *Gate) askApprover(ctx context.Context, req Request) Decision {
	if g.approver == nil {
		return block(fmt.Sprintf("no approver available for tool %s", req.ToolName))
	}
	resp, err := g.approver.Approve(ctx, req)
	if err != nil {
		return block(fmt.Sprintf("permission request for %s failed: %v", req.ToolName, err))
	}
	return fromResponse(req, resp)
}

func (g *Gate) askResponder(ctx context.Context, req Request) Decision {
	if g.responder == nil {
		return block(fmt.Sprintf("tool %s needs a user answer and no responder is available", req.ToolName))
	}
	resp, err := g.responder.Answer(ctx, req)
	if err != nil {
		return block(fmt.Sprintf("user response for %s failed: %v", req.ToolName, err))
	}
	return fromResponse(req, resp)
}

func (g *Gate) reviewPlan(ctx context.Context, req Request) Decision {
	if g.reviewer == nil {
		return block("no plan reviewer available to approve leaving plan mode")
	}
	review, err := g.reviewer.ReviewPlan(ctx, req)
	if err != nil {
		return block(fmt.Sprintf("plan review failed: %v", err))
	}
	if !review.Approved {
		reason := review.Message
		if reason == "" {
			reason = "plan rejected by user"
		}
		return block(reason)
	}

	target := review.TargetMode
	if target == "" || target == ModePlan {
		target = ModeDefault
	}
	if err := g.Transition(target); err != nil {
		return block(fmt.Sprintf("plan approved but mode change failed: %v", err))
	}
	return approve(req.Input)
}

func fromResponse(req Request, resp Response) Decision {
	switch resp.Behavior {
	case BehaviorAllow:
		input := resp.UpdatedInput
		if input == nil {
			input = req.Input
		}
		return approve(input)
	case BehaviorDeny:
		reason := resp.Message
		if reason == "" {
			reason = fmt.Sprintf("user denied %s", req.ToolName)
		}
		return block(reason)
	default:
		return block(fmt.Sprintf("unrecognized permission behavior %q for %s", resp.Behavior, req.ToolName))
	}
}
