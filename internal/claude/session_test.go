package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionbridge/internal/checkpoint"
	"sessionbridge/internal/permission"
	"sessionbridge/internal/process"
	"sessionbridge/internal/provider"
	"sessionbridge/internal/stream"
)

type fakeGate struct {
	mode     permission.Mode
	next     permission.Mode
	decision permission.Decision
	requests []permission.Request
}

func (g *fakeGate) Decide(ctx context.Context, req permission.Request) permission.Decision {
	g.requests = append(g.requests, req)
	if g.next != "" {
		g.mode = g.next
	}
	return g.decision
}

func (g *fakeGate) Mode() permission.Mode { return g.mode }

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func newLineSession(gate provider.ToolGate) (*Session, *bufferCloser) {
	stdin := &bufferCloser{}
	r := NewRuntime("claude", "", nil, nil, nil)
	s := &Session{
		runtime: r,
		opts:    provider.Options{Gate: gate, PermissionMode: permission.ModeDefault},
		proc:    &process.Process{Stdin: stdin},
		closed:  make(chan struct{}),
		mode:    permission.ModeDefault,
		logger:  r.logger,
	}
	return s, stdin
}

func decodeLines(t *testing.T, data string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	dec := json.NewDecoder(bytes.NewBufferString(data))
	for dec.More() {
		var m map[string]interface{}
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(provider.Options{
		ResumeID:       "sess-1",
		Model:          "opus",
		PermissionMode: permission.ModePlan,
		Streaming:      true,
	})
	assert.Contains(t, args, "--include-partial-messages")
	assert.Subset(t, args, []string{"--resume", "sess-1", "--model", "opus", "--permission-mode", "plan"})
	assert.Subset(t, args, []string{"--input-format", "stream-json", "--permission-prompt-tool", "stdio"})

	args = buildArgs(provider.Options{})
	assert.NotContains(t, args, "--include-partial-messages")
	assert.NotContains(t, args, "--resume")
}

func TestBuildArgsLaunchMode(t *testing.T) {
	tests := []struct {
		mode permission.Mode
		want string
	}{
		{"", "default"},
		{permission.ModeDefault, "default"},
		{permission.ModePlan, "plan"},
		{permission.ModeAcceptEdits, "default"},
		{permission.ModeBypassPermissions, "default"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			args := buildArgs(provider.Options{PermissionMode: tt.mode})
			assert.Subset(t, args, []string{"--permission-mode", tt.want})
			assert.NotContains(t, args, "acceptEdits")
			assert.NotContains(t, args, "bypassPermissions")
		})
	}
}

func TestBuildEnvAddsCredentials(t *testing.T) {
	env := buildEnv(provider.Credentials{APIKey: "sk-test", BaseURL: "https://proxy"})
	assert.Contains(t, env, "ANTHROPIC_API_KEY=sk-test")
	assert.Contains(t, env, "ANTHROPIC_BASE_URL=https://proxy")
}

func TestHandleLineMapsMessages(t *testing.T) {
	s, stdin := newLineSession(nil)
	ctx := context.Background()

	tests := []struct {
		line string
		want []provider.Event
	}{
		{`{"type":"system","subtype":"init","session_id":"sess-9","model":"m"}`, []provider.Event{provider.SessionStarted{SessionID: "sess-9", Model: "m"}}},
		{`{"type":"user","uuid":"u-1","message":{"role":"user","content":"hello"}}`, []provider.Event{provider.UserMessage{ID: "u-1"}}},
		{`{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg-1"}}}`, []provider.Event{provider.MessageStart{MessageID: "msg-1"}}},
		{`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"He"}}}`, []provider.Event{provider.TextDelta{Channel: stream.ChannelContent, Text: "He"}}},
		{`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}}`, []provider.Event{provider.TextDelta{Channel: stream.ChannelThinking, Text: "hmm"}}},
		{`{"type":"stream_event","event":{"type":"message_stop"}}`, []provider.Event{provider.MessageStop{}}},
		{`{"type":"assistant","message":{"id":"msg-1","content":[{"type":"thinking","thinking":"hmm"}]}}`, []provider.Event{provider.Snapshot{Channel: stream.ChannelThinking, MessageID: "msg-1", Text: "hmm"}}},
		{`{"type":"assistant","message":{"id":"msg-1","content":[{"type":"text","text":"Hello"}]}}`, []provider.Event{provider.Snapshot{Channel: stream.ChannelContent, MessageID: "msg-1", Text: "Hello"}}},
		{`{"type":"assistant","message":{"id":"msg-1","content":[{"type":"text","text":" world"}]}}`, []provider.Event{provider.Snapshot{Channel: stream.ChannelContent, MessageID: "msg-1", Text: "Hello world"}}},
		{`{"type":"assistant","message":{"id":"msg-2","content":[{"type":"text","text":"Next"}]}}`, []provider.Event{provider.Snapshot{Channel: stream.ChannelContent, MessageID: "msg-2", Text: "Next"}}},
		{`{"type":"assistant","message":{"id":"msg-2","content":[{"type":"tool_use","id":"t-1","name":"Bash","input":{"command":"ls"}}]}}`, []provider.Event{provider.ToolStarted{ID: "t-1", Name: "Bash", Input: map[string]interface{}{"command": "ls"}, Command: "ls"}}},
		{`{"type":"user","uuid":"u-2","message":{"content":[{"type":"tool_result","tool_use_id":"t-1","content":[{"type":"text","text":"a.txt"}],"is_error":true}]}}`, []provider.Event{provider.ToolCompleted{ID: "t-1", Output: "a.txt", IsError: true}}},
		{`{"type":"error","error":"overloaded"}`, []provider.Event{provider.RuntimeError{Message: "overloaded"}}},
		{`{"type":"rate_limit"}`, []provider.Event{provider.Unknown{Kind: "rate_limit"}}},
		{`not json`, nil},
		{``, nil},
		{`{"type":"control_response","response":{"subtype":"success","request_id":"x"}}`, nil},
		{`{"type":"result","is_error":false,"result":"done","usage":{"input_tokens":3,"output_tokens":4}}`, []provider.Event{provider.Result{Text: "done", Usage: provider.Usage{InputTokens: 3, OutputTokens: 4}}}},
	}
	for _, tt := range tests {
		got, err := s.handleLine(ctx, []byte(tt.line))
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}

	assert.Equal(t, "sess-9", s.SessionID())
	assert.True(t, stdin.closed, "result must close stdin")
}

func TestSessionIDIsImmutableOnceObserved(t *testing.T) {
	s, _ := newLineSession(nil)
	s.adopt("first")
	s.adopt("second")
	assert.Equal(t, "first", s.SessionID())
}

func TestControlRequestAllow(t *testing.T) {
	gate := &fakeGate{mode: permission.ModeDefault, decision: permission.Decision{Outcome: permission.Approve}}
	s, stdin := newLineSession(gate)

	events, err := s.handleLine(context.Background(), []byte(
		`{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"a.go"},"tool_use_id":"t-1"}}`))
	require.NoError(t, err)
	assert.Empty(t, events)

	require.Len(t, gate.requests, 1)
	assert.Equal(t, "Write", gate.requests[0].ToolName)
	assert.Equal(t, "t-1", gate.requests[0].ToolUseID)

	lines := decodeLines(t, stdin.String())
	require.Len(t, lines, 1)
	resp := lines[0]["response"].(map[string]interface{})
	assert.Equal(t, "success", resp["subtype"])
	assert.Equal(t, "req-1", resp["request_id"])
	body := resp["response"].(map[string]interface{})
	assert.Equal(t, "allow", body["behavior"])
	assert.Equal(t, map[string]interface{}{"file_path": "a.go"}, body["updatedInput"])
}

func TestControlRequestDeny(t *testing.T) {
	gate := &fakeGate{mode: permission.ModeDefault, decision: permission.Decision{Outcome: permission.Block, Reason: "not in plan mode"}}
	s, stdin := newLineSession(gate)

	_, err := s.handleLine(context.Background(), []byte(
		`{"type":"control_request","request_id":"req-2","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /"}}}`))
	require.NoError(t, err)

	lines := decodeLines(t, stdin.String())
	require.Len(t, lines, 1)
	body := lines[0]["response"].(map[string]interface{})["response"].(map[string]interface{})
	assert.Equal(t, "deny", body["behavior"])
	assert.Equal(t, "not in plan mode", body["message"])
}

func TestControlRequestForwardsModeChange(t *testing.T) {
	gate := &fakeGate{mode: permission.ModePlan, next: permission.ModeAcceptEdits, decision: permission.Decision{Outcome: permission.Approve}}
	s, stdin := newLineSession(gate)
	s.mode = permission.ModePlan

	_, err := s.handleLine(context.Background(), []byte(
		`{"type":"control_request","request_id":"req-3","request":{"subtype":"can_use_tool","tool_name":"ExitPlanMode","input":{"plan":"do it"}}}`))
	require.NoError(t, err)

	lines := decodeLines(t, stdin.String())
	require.Len(t, lines, 2)
	assert.Equal(t, "control_request", lines[1]["type"])
	req := lines[1]["request"].(map[string]interface{})
	assert.Equal(t, "set_permission_mode", req["subtype"])
	assert.Equal(t, "default", req["mode"])
	assert.Equal(t, permission.ModeDefault, s.mode)
}

func TestControlRequestKeepsAutoApproveModesInGate(t *testing.T) {
	gate := &fakeGate{mode: permission.ModeDefault, next: permission.ModeBypassPermissions, decision: permission.Decision{Outcome: permission.Approve}}
	s, stdin := newLineSession(gate)

	_, err := s.handleLine(context.Background(), []byte(
		`{"type":"control_request","request_id":"req-4","request":{"subtype":"can_use_tool","tool_name":"Edit","input":{"file_path":"a.go"}}}`))
	require.NoError(t, err)

	lines := decodeLines(t, stdin.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "control_response", lines[0]["type"])
	assert.Equal(t, permission.ModeDefault, s.mode)
}

func TestUnknownControlRequestGetsError(t *testing.T) {
	s, stdin := newLineSession(nil)
	_, err := s.handleLine(context.Background(), []byte(`{"type":"control_request","request_id":"req-4","request":{"subtype":"mcp_message"}}`))
	require.NoError(t, err)

	lines := decodeLines(t, stdin.String())
	require.Len(t, lines, 1)
	resp := lines[0]["response"].(map[string]interface{})
	assert.Equal(t, "error", resp["subtype"])
}

func writeFakeClaude(t *testing.T, dir string) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
read prompt
echo "$prompt" > %[1]s/prompt.json
echo '{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-test"}'
echo '{"type":"user","uuid":"u-1","message":{"role":"user","content":"hi"}}'
echo '{"type":"assistant","message":{"id":"msg-1","content":[{"type":"text","text":"Hello"}]}}'
echo '{"type":"assistant","message":{"id":"msg-1","content":[{"type":"tool_use","id":"tool-1","name":"Bash","input":{"command":"ls"}}]}}'
echo '{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}'
read answer
echo "$answer" > %[1]s/answer.json
echo '{"type":"user","uuid":"u-2","message":{"content":[{"type":"tool_result","tool_use_id":"tool-1","content":"a.txt"}]}}'
echo 'not json'
echo '{"type":"result","is_error":false,"result":"Hello","session_id":"sess-1","usage":{"input_tokens":3,"output_tokens":5}}'
read rest
`, dir)
	path := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestRuntimeRunsTurn(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries")
	}
	dir := t.TempDir()
	procs := process.NewManager(20)
	rt := NewRuntime(writeFakeClaude(t, dir), t.TempDir(), procs, nil, nil)

	gate := &fakeGate{mode: permission.ModeDefault, decision: permission.Decision{Outcome: permission.Approve}}
	h, err := rt.Start(context.Background(), "hi", provider.Options{
		WorkingDirectory: dir,
		UserMessageID:    "u-1",
		Gate:             gate,
	})
	require.NoError(t, err)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []provider.Event
	for {
		ev, err := h.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}

	assert.Equal(t, []provider.Event{
		provider.SessionStarted{SessionID: "sess-1", Model: "claude-test"},
		provider.UserMessage{ID: "u-1"},
		provider.Snapshot{Channel: stream.ChannelContent, MessageID: "msg-1", Text: "Hello"},
		provider.ToolStarted{ID: "tool-1", Name: "Bash", Input: map[string]interface{}{"command": "ls"}, Command: "ls"},
		provider.ToolCompleted{ID: "tool-1", Output: "a.txt"},
		provider.Result{Text: "Hello", Usage: provider.Usage{InputTokens: 3, OutputTokens: 5}},
	}, events)
	assert.Equal(t, "sess-1", h.SessionID())
	require.Len(t, gate.requests, 1)

	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.json"))
	require.NoError(t, err)
	assert.Contains(t, string(prompt), `"uuid":"u-1"`)
	assert.Contains(t, string(prompt), `"content":"hi"`)

	answer, err := os.ReadFile(filepath.Join(dir, "answer.json"))
	require.NoError(t, err)
	assert.Contains(t, string(answer), `"behavior":"allow"`)
}

func TestRuntimeReportsProcessFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nread prompt\necho 'Error: invalid api key' >&2\nexit 3\n"), 0755))

	rt := NewRuntime(path, t.TempDir(), process.NewManager(20), nil, nil)
	h, err := rt.Start(context.Background(), "hi", provider.Options{WorkingDirectory: dir})
	require.NoError(t, err)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = h.Next(ctx)

	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.ExitCode)
	assert.Equal(t, []string{"Error: invalid api key"}, perr.Stderr)
	assert.Contains(t, perr.Error(), "invalid api key")

	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestResumedSessionRestoresCheckpoints(t *testing.T) {
	storage, err := checkpoint.NewStorage(t.TempDir(), 1)
	require.NoError(t, err)
	defer storage.Close()
	checkpoints := checkpoint.NewManager(storage, nil)

	work := t.TempDir()
	file := filepath.Join(work, "main.go")
	require.NoError(t, os.WriteFile(file, []byte("original"), 0644))
	require.NoError(t, checkpoints.Track("sess-1", "u-1", file))
	require.NoError(t, os.WriteFile(file, []byte("edited"), 0644))

	rt := NewRuntime("claude", t.TempDir(), nil, checkpoints, nil)
	h, err := rt.Resume(context.Background(), "sess-1", provider.Options{WorkingDirectory: work})
	require.NoError(t, err)

	_, err = h.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	res, err := h.Restore(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesRestored)
	data, _ := os.ReadFile(file)
	assert.Equal(t, "original", string(data))

	_, err = h.Restore(context.Background(), "u-unknown")
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())
}

func TestRestoreWithoutCheckpointStore(t *testing.T) {
	rt := NewRuntime("claude", t.TempDir(), nil, nil, nil)
	h, err := rt.Resume(context.Background(), "sess-1", provider.Options{})
	require.NoError(t, err)
	_, err = h.Restore(context.Background(), "u-1")
	assert.ErrorIs(t, err, provider.ErrRestoreUnsupported)
}
