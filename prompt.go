package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"sessionbridge/internal/permission"
)

// terminalPrompter answers permission questions on a terminal. With
// autoApprove set it allows every tool without asking.
type terminalPrompter struct {
	in          *bufio.Reader
	out         io.Writer
	autoApprove bool

	mu sync.Mutex
}

func newTerminalPrompter(in io.Reader, out io.Writer, autoApprove bool) *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out, autoApprove: autoApprove}
}

// Approve implements permission.Approver.
func (p *terminalPrompter) Approve(ctx context.Context, req permission.Request) (permission.Response, error) {
	if p.autoApprove {
		return permission.Response{Behavior: permission.BehaviorAllow}, nil
	}
	answer, err := p.ask(ctx, fmt.Sprintf("Allow %s %s? [y/N] ", req.ToolName, summarizeInput(req.Input)))
	if err != nil {
		return permission.Response{}, err
	}
	if isYes(answer) {
		return permission.Response{Behavior: permission.BehaviorAllow}, nil
	}
	return permission.Response{Behavior: permission.BehaviorDeny, Message: "Denied by user"}, nil
}

// Answer implements permission.Responder. The reply is passed to the tool
// as its "answer" input.
func (p *terminalPrompter) Answer(ctx context.Context, req permission.Request) (permission.Response, error) {
	answer, err := p.ask(ctx, fmt.Sprintf("%s %s\n> ", req.ToolName, summarizeInput(req.Input)))
	if err != nil {
		return permission.Response{}, err
	}
	input := make(map[string]interface{}, len(req.Input)+1)
	for k, v := range req.Input {
		input[k] = v
	}
	input["answer"] = answer
	return permission.Response{Behavior: permission.BehaviorAllow, UpdatedInput: input}, nil
}

// ReviewPlan implements permission.PlanReviewer. An approved plan
// continues in acceptEdits mode.
func (p *terminalPrompter) ReviewPlan(ctx context.Context, req permission.Request) (permission.PlanReview, error) {
	if p.autoApprove {
		return permission.PlanReview{Approved: true, TargetMode: permission.ModeAcceptEdits}, nil
	}
	plan, _ := req.Input["plan"].(string)
	answer, err := p.ask(ctx, fmt.Sprintf("Plan:\n%s\nApprove plan? [y/N] ", plan))
	if err != nil {
		return permission.PlanReview{}, err
	}
	if isYes(answer) {
		return permission.PlanReview{Approved: true, TargetMode: permission.ModeAcceptEdits}, nil
	}
	return permission.PlanReview{Message: "Plan rejected by user"}, nil
}

func (p *terminalPrompter) ask(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.out, prompt)
	type reply struct {
		line string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- reply{strings.TrimSpace(line), err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("read answer: %w", r.err)
		}
		return r.line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func isYes(s string) bool {
	switch strings.ToLower(s) {
	case "y", "yes":
		return true
	}
	return false
}

func summarizeInput(input map[string]interface{}) string {
	if cmd, ok := input["command"].(string); ok {
		return cmd
	}
	if path, ok := input["file_path"].(string); ok {
		return path
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
