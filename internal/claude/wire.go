package claude

import (
	"encoding/json"
	"strings"
)

// Wire types of the CLI's stream-json protocol. Only the fields the
// connection reads are declared.

type envelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type systemInit struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

type contentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Thinking  string                 `json:"thinking,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type assistantMessage struct {
	Message struct {
		ID      string         `json:"id"`
		Content []contentBlock `json:"content"`
		Usage   *wireUsage     `json:"usage,omitempty"`
	} `json:"message"`
}

type userMessage struct {
	UUID    string `json:"uuid"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type resultMessage struct {
	IsError bool      `json:"is_error"`
	Result  string    `json:"result"`
	Usage   wireUsage `json:"usage"`
}

type errorMessage struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type streamEvent struct {
	Event struct {
		Type    string `json:"type"`
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
		Delta struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"delta"`
	} `json:"event"`
}

type controlRequest struct {
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype   string                 `json:"subtype"`
		ToolName  string                 `json:"tool_name"`
		Input     map[string]interface{} `json:"input"`
		ToolUseID string                 `json:"tool_use_id,omitempty"`
	} `json:"request"`
}

// Outgoing messages.

type userInput struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid,omitempty"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

type controlResponse struct {
	Type     string          `json:"type"`
	Response responsePayload `json:"response"`
}

type responsePayload struct {
	Subtype   string      `json:"subtype"`
	RequestID string      `json:"request_id"`
	Response  interface{} `json:"response,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type permissionAllow struct {
	Behavior     string                 `json:"behavior"`
	UpdatedInput map[string]interface{} `json:"updatedInput"`
}

type permissionDeny struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

type outgoingRequest struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id"`
	Request   interface{} `json:"request"`
}

type setPermissionMode struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode"`
}

// toolResultText flattens tool_result content, which is either a string or
// a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// userContentBlocks returns the blocks of a user message, nil when the
// content is a plain string.
func userContentBlocks(raw json.RawMessage) []contentBlock {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}
