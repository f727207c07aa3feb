package provider

import "sessionbridge/internal/stream"

// Event is one runtime event. The set is closed: every runtime maps its wire
// messages onto these types and reports anything else as Unknown.
type Event interface {
	event()
}

// SessionStarted carries the runtime-assigned session id.
type SessionStarted struct {
	SessionID string
	Model     string
}

// UserMessage reports the id the runtime recorded for the user prompt.
type UserMessage struct {
	ID string
}

// MessageStart opens an assistant message.
type MessageStart struct {
	MessageID string
}

// MessageStop closes an assistant message.
type MessageStop struct{}

// TextDelta is a native incremental text event.
type TextDelta struct {
	Channel stream.Channel
	Text    string
}

// Snapshot is the full text of an assistant message so far.
type Snapshot struct {
	Channel   stream.Channel
	MessageID string
	Text      string
}

// ToolStarted reports a tool invocation. ID is empty when the runtime gives
// no stable id; Command is the text used to correlate the completion.
type ToolStarted struct {
	ID      string
	Name    string
	Input   map[string]interface{}
	Command string
}

// ToolCompleted reports the result of a tool invocation.
type ToolCompleted struct {
	ID      string
	Command string
	Output  string
	IsError bool
}

// Usage is the token accounting of a turn.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Result ends a turn.
type Result struct {
	IsError bool
	Text    string
	Usage   Usage
}

// RuntimeError is an error reported by the runtime inside its stream.
type RuntimeError struct {
	Message string
}

// Unknown is a wire message with no mapping. Consumers ignore it.
type Unknown struct {
	Kind string
}

func (SessionStarted) event() {}
func (UserMessage) event()    {}
func (MessageStart) event()   {}
func (MessageStop) event()    {}
func (TextDelta) event()      {}
func (Snapshot) event()       {}
func (ToolStarted) event()    {}
func (ToolCompleted) event()  {}
func (Result) event()         {}
func (RuntimeError) event()   {}
func (Unknown) event()        {}
