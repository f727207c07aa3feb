// internal/protocol/codec.go
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Tag identifies the kind of a protocol line.
type Tag string

const (
	TagContent       Tag = "CONTENT"
	TagContentDelta  Tag = "CONTENT_DELTA"
	TagThinking      Tag = "THINKING"
	TagThinkingDelta Tag = "THINKING_DELTA"
	TagSessionID     Tag = "SESSION_ID"
	TagToolUse       Tag = "TOOL_USE"
	TagToolResult    Tag = "TOOL_RESULT"
	TagMessageStart  Tag = "MESSAGE_START"
	TagMessageEnd    Tag = "MESSAGE_END"
	TagSendError     Tag = "SEND_ERROR"
	TagStatus        Tag = "STATUS"
	TagResult        Tag = "RESULT"

	// TagNoise marks a line that carries no known tag. Higher layers ignore it.
	TagNoise Tag = "NOISE"
)

type payloadKind int

const (
	payloadNone payloadKind = iota
	payloadText
	payloadJSON
)

var vocabulary = map[Tag]payloadKind{
	TagContent:       payloadText,
	TagContentDelta:  payloadText,
	TagThinking:      payloadText,
	TagThinkingDelta: payloadText,
	TagSessionID:     payloadText,
	TagStatus:        payloadText,
	TagToolUse:       payloadJSON,
	TagToolResult:    payloadJSON,
	TagSendError:     payloadJSON,
	TagResult:        payloadJSON,
	TagMessageStart:  payloadNone,
	TagMessageEnd:    payloadNone,
}

// ErrMalformed is returned by Decode for a known tag whose payload is not valid JSON.
var ErrMalformed = errors.New("malformed protocol line")

// Frame is one decoded protocol line. Text is set for text tags and for
// noise lines (the raw line); Data holds the raw JSON object for JSON tags.
type Frame struct {
	Tag  Tag
	Text string
	Data json.RawMessage
}

// TextFrame builds a frame for a tag that carries a string payload.
func TextFrame(tag Tag, text string) Frame {
	return Frame{Tag: tag, Text: text}
}

// JSONFrame marshals v as the payload of a JSON tag.
func JSONFrame(tag Tag, v interface{}) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", tag, err)
	}
	return Frame{Tag: tag, Data: data}, nil
}

// Known reports whether tag belongs to the vocabulary.
func Known(tag Tag) bool {
	_, ok := vocabulary[tag]
	return ok
}

// Decode parses a JSON payload frame into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no JSON payload", f.Tag)
	}
	return json.Unmarshal(f.Data, v)
}

// Encode renders a frame as a single line without the trailing newline.
func Encode(f Frame) (string, error) {
	kind, ok := vocabulary[f.Tag]
	if !ok {
		return "", fmt.Errorf("unknown tag %q", f.Tag)
	}

	prefix := "[" + string(f.Tag) + "]"
	switch kind {
	case payloadNone:
		return prefix, nil
	case payloadText:
		quoted, err := json.Marshal(f.Text)
		if err != nil {
			return "", err
		}
		return prefix + " " + string(quoted), nil
	default:
		data := f.Data
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}
		// Compact so an indented payload cannot span lines.
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return "", fmt.Errorf("%s payload: %w", f.Tag, ErrMalformed)
		}
		return prefix + " " + buf.String(), nil
	}
}

// Decode parses one raw line. Lines without a known tag come back as a
// TagNoise frame; a known tag with a broken payload returns ErrMalformed.
func Decode(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "[") {
		return Frame{Tag: TagNoise, Text: line}, nil
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return Frame{Tag: TagNoise, Text: line}, nil
	}

	tag := Tag(line[1:end])
	kind, ok := vocabulary[tag]
	if !ok {
		return Frame{Tag: TagNoise, Text: line}, nil
	}

	payload := strings.TrimSpace(line[end+1:])
	switch kind {
	case payloadNone:
		return Frame{Tag: tag}, nil
	case payloadText:
		var text string
		if err := json.Unmarshal([]byte(payload), &text); err != nil {
			return Frame{}, fmt.Errorf("%s: %w", tag, ErrMalformed)
		}
		return Frame{Tag: tag, Text: text}, nil
	default:
		if payload == "" || !json.Valid([]byte(payload)) {
			return Frame{}, fmt.Errorf("%s: %w", tag, ErrMalformed)
		}
		return Frame{Tag: tag, Data: json.RawMessage(payload)}, nil
	}
}

// Emitter receives encoded protocol frames.
type Emitter interface {
	Emit(f Frame) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(f Frame) error

// Emit implements Emitter.
func (fn EmitterFunc) Emit(f Frame) error {
	return fn(f)
}

// Writer writes frames as lines. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a line writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Emit encodes f and writes it followed by a newline.
func (w *Writer) Emit(f Frame) error {
	line, err := Encode(f)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = io.WriteString(w.w, line+"\n")
	return err
}

// Reader scans frames from a line stream. Malformed lines are skipped.
type Reader struct {
	scanner *bufio.Scanner
	skipped int
}

// NewReader creates a frame reader with a 1MB line limit.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next frame, or io.EOF when the stream ends.
func (r *Reader) Next() (Frame, error) {
	for r.scanner.Scan() {
		frame, err := Decode(r.scanner.Text())
		if err != nil {
			r.skipped++
			continue
		}
		return frame, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// Skipped returns how many malformed lines were dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}
