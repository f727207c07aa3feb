package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionbridge/internal/bridge"
	"sessionbridge/internal/protocol"
	"sessionbridge/internal/stream"
)

func writeFrames(t *testing.T, frames ...protocol.Frame) string {
	t.Helper()
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	for _, f := range frames {
		require.NoError(t, w.Emit(f))
	}
	return buf.String()
}

func jsonFrame(t *testing.T, tag protocol.Tag, v interface{}) protocol.Frame {
	t.Helper()
	f, err := protocol.JSONFrame(tag, v)
	require.NoError(t, err)
	return f
}

func TestRenderFrames(t *testing.T) {
	input := writeFrames(t,
		protocol.TextFrame(protocol.TagSessionID, "s-1"),
		protocol.Frame{Tag: protocol.TagMessageStart},
		protocol.TextFrame(protocol.TagThinkingDelta, "hmm "),
		protocol.TextFrame(protocol.TagContentDelta, "Hello, "),
		protocol.TextFrame(protocol.TagContentDelta, "world"),
		jsonFrame(t, protocol.TagToolUse, stream.ToolInvocation{ID: "t1", Name: "Bash", Input: map[string]interface{}{"command": "ls"}}),
		jsonFrame(t, protocol.TagToolResult, stream.ToolInvocation{ID: "t1", IsError: true, Output: "boom\nmore"}),
		protocol.Frame{Tag: protocol.TagMessageEnd},
		jsonFrame(t, protocol.TagResult, bridge.TurnSummary{Success: true, SessionID: "s-1"}),
	)
	input = "claude: warming up\n[TOOL_USE] {broken\n" + input

	var out bytes.Buffer
	summary, err := renderFrames(strings.NewReader(input), &out, false)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.True(t, summary.Success)
	assert.Equal(t, "session s-1\nHello, world\n> Bash ls\n! tool failed: boom\n", out.String())

	out.Reset()
	_, err = renderFrames(strings.NewReader(input), &out, true)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "hmm Hello, world\n")
}

func TestRenderFramesFailure(t *testing.T) {
	input := writeFrames(t,
		jsonFrame(t, protocol.TagSendError, bridge.FailurePayload{Message: "Authentication failed", Attempts: 1}),
		jsonFrame(t, protocol.TagResult, bridge.TurnSummary{Error: "Authentication failed"}),
	)

	var out bytes.Buffer
	summary, err := renderFrames(strings.NewReader(input), &out, false)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.False(t, summary.Success)
	assert.Equal(t, "error: Authentication failed\n", out.String())

	summary, err = renderFrames(strings.NewReader("just noise\n"), &out, false)
	require.NoError(t, err)
	assert.Nil(t, summary)
}
