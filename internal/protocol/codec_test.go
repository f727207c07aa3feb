package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeText(t *testing.T) {
	line, err := Encode(TextFrame(TagContentDelta, "line one\nline two"))
	require.NoError(t, err)

	assert.NotContains(t, line, "\n")
	assert.Equal(t, `[CONTENT_DELTA] "line one\nline two"`, line)

	frame, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, TagContentDelta, frame.Tag)
	assert.Equal(t, "line one\nline two", frame.Text)
}

func TestEncodeMarkers(t *testing.T) {
	line, err := Encode(Frame{Tag: TagMessageStart})
	require.NoError(t, err)
	assert.Equal(t, "[MESSAGE_START]", line)

	frame, err := Decode("[MESSAGE_END]")
	require.NoError(t, err)
	assert.Equal(t, TagMessageEnd, frame.Tag)
}

func TestEncodeJSONCompactsPayload(t *testing.T) {
	frame := Frame{Tag: TagSendError, Data: []byte("{\n  \"message\": \"boom\"\n}")}
	line, err := Encode(frame)
	require.NoError(t, err)
	assert.Equal(t, `[SEND_ERROR] {"message":"boom"}`, line)

	decoded, err := Decode(line)
	require.NoError(t, err)

	var payload struct {
		Message string `json:"message"`
	}
	require.NoError(t, decoded.Decode(&payload))
	assert.Equal(t, "boom", payload.Message)
}

func TestEncodeRejectsUnknownTag(t *testing.T) {
	_, err := Encode(Frame{Tag: "BOGUS"})
	assert.Error(t, err)
	assert.False(t, Known("BOGUS"))
	assert.True(t, Known(TagToolResult))
}

func TestDecodeNoise(t *testing.T) {
	for _, line := range []string{
		"npm WARN something",
		"[not-a-tag] hello",
		"[unterminated",
		"",
	} {
		frame, err := Decode(line)
		require.NoError(t, err, line)
		assert.Equal(t, TagNoise, frame.Tag, line)
		assert.Equal(t, line, frame.Text)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, line := range []string{
		`[CONTENT] not-json`,
		`[TOOL_RESULT] {"id":`,
		`[SEND_ERROR]`,
	} {
		_, err := Decode(line)
		assert.True(t, errors.Is(err, ErrMalformed), line)
	}
}

func TestWriterAndReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	result, err := JSONFrame(TagResult, map[string]interface{}{"success": true, "sessionId": "s-1"})
	require.NoError(t, err)

	require.NoError(t, w.Emit(TextFrame(TagSessionID, "s-1")))
	require.NoError(t, w.Emit(Frame{Tag: TagMessageStart}))
	require.NoError(t, w.Emit(TextFrame(TagContentDelta, "Hi")))
	require.NoError(t, w.Emit(Frame{Tag: TagMessageEnd}))
	require.NoError(t, w.Emit(result))

	// Interleave noise and a broken line; the reader must skip the latter.
	stream := "debug: starting\n" + `[CONTENT] {oops` + "\n" + buf.String()
	r := NewReader(strings.NewReader(stream))

	var tags []Tag
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		tags = append(tags, frame.Tag)
	}

	assert.Equal(t, []Tag{TagNoise, TagSessionID, TagMessageStart, TagContentDelta, TagMessageEnd, TagResult}, tags)
	assert.Equal(t, 1, r.Skipped())
}
