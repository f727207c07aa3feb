package permission

import "context"

// Behavior is a collaborator's answer.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Response is returned by user-facing collaborators.
type Response struct {
	Behavior     Behavior               `json:"behavior"`
	UpdatedInput map[string]interface{} `json:"updatedInput,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// Approver asks the user whether a tool may run. It may block on a human;
// its own timeout or cancellation surfaces as an error.
type Approver interface {
	Approve(ctx context.Context, req Request) (Response, error)
}

// ApproverFunc is a function adapter for Approver.
type ApproverFunc func(ctx context.Context, req Request) (Response, error)

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Responder answers interactive tools such as AskUserQuestion.
type Responder interface {
	Answer(ctx context.Context, req Request) (Response, error)
}

// ResponderFunc is a function adapter for Responder.
type ResponderFunc func(ctx context.Context, req Request) (Response, error)

// Answer implements Responder.
func (f ResponderFunc) Answer(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// PlanReview is the user's verdict on a plan presented by ExitPlanMode.
type PlanReview struct {
	Approved   bool   `json:"approved"`
	TargetMode Mode   `json:"targetMode,omitempty"`
	Message    string `json:"message,omitempty"`
}

// PlanReviewer approves or rejects a plan.
type PlanReviewer interface {
	ReviewPlan(ctx context.Context, req Request) (PlanReview, error)
}

// PlanReviewerFunc is a function adapter for PlanReviewer.
type PlanReviewerFunc func(ctx context.Context, req Request) (PlanReview, error)

// ReviewPlan implements PlanReviewer.
func (f PlanReviewerFunc) ReviewPlan(ctx context.Context, req Request) (PlanReview, error) {
	return f(ctx, req)
}

// AllowAll approves every request. Used for unattended runs.
func AllowAll() Approver {
	return ApproverFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Behavior: BehaviorAllow}, nil
	})
}

// DenyAll denies every request with a fixed message.
func DenyAll(message string) Approver {
	return ApproverFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Behavior: BehaviorDeny, Message: message}, nil
	})
}
