package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApprover struct {
	calls []string
	resp  Response
	err   error
}

func (r *recordingApprover) Approve(ctx context.Context, req Request) (Response, error) {
	r.calls = append(r.calls, req.ToolName)
	return r.resp, r.err
}

func req(name string) Request {
	return Request{ToolName: name, Input: map[string]interface{}{"file_path": "/tmp/x"}}
}

func TestPlanModeScenario(t *testing.T) {
	approver := &recordingApprover{resp: Response{Behavior: BehaviorAllow}}
	g := New(ModePlan, WithApprover(approver))
	ctx := context.Background()

	assert.Equal(t, Approve, g.Decide(ctx, req("Write")).Outcome)
	assert.Equal(t, Approve, g.Decide(ctx, req("Grep")).Outcome)
	assert.Empty(t, approver.calls)

	d := g.Decide(ctx, req("Bash"))
	assert.Equal(t, Approve, d.Outcome)
	assert.Equal(t, []string{"Bash"}, approver.calls)
}

func TestPlanModeBlocksMutatingTools(t *testing.T) {
	g := New(ModePlan, WithApprover(AllowAll()))

	d := g.Decide(context.Background(), req("Edit"))
	assert.Equal(t, Block, d.Outcome)
	assert.Contains(t, d.Reason, "Edit")
	assert.Equal(t, ModePlan, g.Mode())
}

func TestExitPlanModeTransitions(t *testing.T) {
	var transitions [][2]Mode
	reviewer := PlanReviewerFunc(func(ctx context.Context, req Request) (PlanReview, error) {
		return PlanReview{Approved: true, TargetMode: ModeAcceptEdits}, nil
	})
	g := New(ModePlan,
		WithPlanReviewer(reviewer),
		WithTransitionObserver(func(from, to Mode) { transitions = append(transitions, [2]Mode{from, to}) }),
	)

	d := g.Decide(context.Background(), req(ToolExitPlanMode))
	assert.Equal(t, Approve, d.Outcome)
	assert.Equal(t, ModeAcceptEdits, g.Mode())
	assert.Equal(t, [][2]Mode{{ModePlan, ModeAcceptEdits}}, transitions)

	// The new mode governs subsequent decisions.
	assert.Equal(t, Approve, g.Decide(context.Background(), req("Edit")).Outcome)
}

func TestExitPlanModeDefaultsAndRejection(t *testing.T) {
	t.Run("approved without target goes to default", func(t *testing.T) {
		g := New(ModePlan, WithPlanReviewer(PlanReviewerFunc(func(ctx context.Context, req Request) (PlanReview, error) {
			return PlanReview{Approved: true}, nil
		})))
		assert.True(t, g.Decide(context.Background(), req(ToolExitPlanMode)).Approved())
		assert.Equal(t, ModeDefault, g.Mode())
	})

	t.Run("rejected stays in plan", func(t *testing.T) {
		g := New(ModePlan, WithPlanReviewer(PlanReviewerFunc(func(ctx context.Context, req Request) (PlanReview, error) {
			return PlanReview{Approved: false, Message: "keep planning"}, nil
		})))
		d := g.Decide(context.Background(), req(ToolExitPlanMode))
		assert.Equal(t, Block, d.Outcome)
		assert.Equal(t, "keep planning", d.Reason)
		assert.Equal(t, ModePlan, g.Mode())
	})

	t.Run("reviewer error blocks", func(t *testing.T) {
		g := New(ModePlan, WithPlanReviewer(PlanReviewerFunc(func(ctx context.Context, req Request) (PlanReview, error) {
			return PlanReview{}, context.DeadlineExceeded
		})))
		d := g.Decide(context.Background(), req(ToolExitPlanMode))
		assert.Equal(t, Block, d.Outcome)
		assert.Contains(t, d.Reason, "deadline exceeded")
	})
}

func TestInteractiveToolsNeverAutoApproved(t *testing.T) {
	for _, mode := range []Mode{ModeDefault, ModeAcceptEdits, ModePlan, ModeBypassPermissions} {
		t.Run(string(mode), func(t *testing.T) {
			var asked int
			responder := ResponderFunc(func(ctx context.Context, req Request) (Response, error) {
				asked++
				return Response{Behavior: BehaviorAllow, UpdatedInput: map[string]interface{}{"answers": map[string]interface{}{"q": "yes"}}}, nil
			})
			g := New(mode, WithApprover(AllowAll()), WithResponder(responder))

			d := g.Decide(context.Background(), req(ToolAskUserQuestion))
			assert.Equal(t, 1, asked)
			assert.Equal(t, Approve, d.Outcome)
			assert.Contains(t, d.UpdatedInput, "answers")

			noResponder := New(mode, WithApprover(AllowAll()))
			assert.Equal(t, Block, noResponder.Decide(context.Background(), req(ToolAskUserQuestion)).Outcome)
		})
	}
}

func TestBypassAndAcceptEdits(t *testing.T) {
	ctx := context.Background()
	deny := DenyAll("nope")

	bypass := New(ModeBypassPermissions, WithApprover(deny))
	assert.Equal(t, Approve, bypass.Decide(ctx, req("Bash")).Outcome)

	edits := New(ModeAcceptEdits, WithApprover(deny))
	for _, tool := range []string{"Write", "Edit", "MultiEdit", "MoveFile", "RenameFile"} {
		assert.Equal(t, Approve, edits.Decide(ctx, req(tool)).Outcome, tool)
	}
	d := edits.Decide(ctx, req("Bash"))
	assert.Equal(t, Block, d.Outcome)
	assert.Equal(t, "nope", d.Reason)
}

func TestDefaultModeUsesApprover(t *testing.T) {
	ctx := context.Background()

	t.Run("input override", func(t *testing.T) {
		override := map[string]interface{}{"command": "ls -la"}
		g := New(ModeDefault, WithApprover(&recordingApprover{resp: Response{Behavior: BehaviorAllow, UpdatedInput: override}}))
		d := g.Decide(ctx, Request{ToolName: "Bash", Input: map[string]interface{}{"command": "ls"}})
		assert.Equal(t, Approve, d.Outcome)
		assert.Equal(t, override, d.UpdatedInput)
	})

	t.Run("error becomes block", func(t *testing.T) {
		g := New(ModeDefault, WithApprover(&recordingApprover{err: errors.New("dialog closed")}))
		d := g.Decide(ctx, req("Write"))
		assert.Equal(t, Block, d.Outcome)
		assert.Contains(t, d.Reason, "dialog closed")
	})

	t.Run("missing approver blocks", func(t *testing.T) {
		d := New(ModeDefault).Decide(ctx, req("Write"))
		assert.Equal(t, Block, d.Outcome)
	})

	t.Run("unknown behavior blocks", func(t *testing.T) {
		g := New(ModeDefault, WithApprover(&recordingApprover{resp: Response{Behavior: "maybe"}}))
		assert.Equal(t, Block, g.Decide(ctx, req("Write")).Outcome)
	})
}

func TestGateTotality(t *testing.T) {
	tools := []string{"Read", "Grep", "Write", "Edit", "Bash", "AskUserQuestion", "ExitPlanMode", "Task", "mcp__github__create_issue"}
	modes := []Mode{ModeDefault, ModeAcceptEdits, ModePlan, ModeBypassPermissions}

	for _, mode := range modes {
		for _, tool := range tools {
			g := New(mode)
			d := g.Decide(context.Background(), req(tool))
			require.Contains(t, []Outcome{Approve, Block}, d.Outcome, "%s/%s", mode, tool)
			if d.Outcome == Block {
				assert.NotEmpty(t, d.Reason, "%s/%s", mode, tool)
			}
			if IsReadOnly(tool) {
				assert.Equal(t, Approve, d.Outcome, "%s/%s", mode, tool)
			}
		}
	}
}

func TestTransitionValidates(t *testing.T) {
	g := New("")
	assert.Equal(t, ModeDefault, g.Mode())
	assert.Error(t, g.Transition("yolo"))
	require.NoError(t, g.Transition(ModePlan))
	assert.Equal(t, ModePlan, g.Mode())

	_, err := ParseMode("acceptEdits")
	assert.NoError(t, err)
}
