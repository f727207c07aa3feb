package stream

import "github.com/google/uuid"

// Phase is the lifecycle of a tool invocation.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
)

// ToolInvocation is a tool call surfaced by the runtime.
type ToolInvocation struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Input   map[string]interface{} `json:"input,omitempty"`
	Phase   Phase                  `json:"phase"`
	IsError bool                   `json:"isError,omitempty"`
	Output  string                 `json:"content,omitempty"`
}

// ToolCorrelator pairs tool completions with their starts. When the runtime
// gives no stable id, completions are matched to starts FIFO per distinct
// command string. Two identical commands running concurrently can be
// mispaired; that is a known limitation of matching by text.
type ToolCorrelator struct {
	pending map[string][]string
	newID   func() string
}

// NewToolCorrelator creates an empty correlator.
func NewToolCorrelator() *ToolCorrelator {
	return &ToolCorrelator{
		pending: make(map[string][]string),
		newID:   func() string { return "toolu_" + uuid.New().String() },
	}
}

// Started records a started tool and returns its id, synthesizing one when
// id is empty.
func (c *ToolCorrelator) Started(id, command string) string {
	if id == "" {
		id = c.newID()
	}
	if command != "" {
		c.pending[command] = append(c.pending[command], id)
	}
	return id
}

// Completed resolves the id of a completed tool. A non-empty id wins and is
// dropped from its command queue; otherwise the oldest start for command is
// used. ok is false when nothing matches.
func (c *ToolCorrelator) Completed(id, command string) (string, bool) {
	if id != "" {
		c.forget(command, id)
		return id, true
	}

	queue := c.pending[command]
	if len(queue) == 0 {
		return "", false
	}
	id = queue[0]
	if len(queue) == 1 {
		delete(c.pending, command)
	} else {
		c.pending[command] = queue[1:]
	}
	return id, true
}

// Pending returns the number of starts not yet completed for command.
func (c *ToolCorrelator) Pending(command string) int {
	return len(c.pending[command])
}

func (c *ToolCorrelator) forget(command, id string) {
	queue := c.pending[command]
	for i, queued := range queue {
		if queued != id {
			continue
		}
		queue = append(queue[:i:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(c.pending, command)
		} else {
			c.pending[command] = queue
		}
		return
	}
}
