// Package eventhub fans bridge events out to connected clients.
package eventhub

import (
	"sync"

	"sessionbridge/internal/protocol"
)

// Event names.
const (
	EventBridgeOutput      = "bridge-output"
	EventSessionChanged    = "session:changed"
	EventTurnFinished      = "turn:finished"
	EventPermissionRequest = "permission:request"
)

// Broadcaster delivers an event to every client.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub is the single place events leave the process.
type EventHub struct {
	mu          sync.RWMutex
	broadcaster Broadcaster
}

// New creates a hub without a broadcaster. Events are dropped until one is
// set.
func New() *EventHub {
	return &EventHub{}
}

// SetBroadcaster sets the websocket broadcaster.
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	h.broadcaster = b
	h.mu.Unlock()
}

func (h *EventHub) emit(eventName string, payload interface{}) {
	h.mu.RLock()
	b := h.broadcaster
	h.mu.RUnlock()
	if b != nil {
		b.BroadcastEvent(eventName, payload)
	}
}

// Emit sends an arbitrary event.
func (h *EventHub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// BridgeOutputEvent carries one protocol line of a running turn.
type BridgeOutputEvent struct {
	TurnID string `json:"turnId"`
	Tag    string `json:"tag"`
	Line   string `json:"line"`
}

// EmitBridgeOutput encodes f and sends it as a bridge-output event.
func (h *EventHub) EmitBridgeOutput(turnID string, f protocol.Frame) error {
	line, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	h.emit(EventBridgeOutput, BridgeOutputEvent{TurnID: turnID, Tag: string(f.Tag), Line: line})
	return nil
}

// TurnEmitter returns a protocol.Emitter publishing the frames of turnID.
func (h *EventHub) TurnEmitter(turnID string) protocol.Emitter {
	return protocol.EmitterFunc(func(f protocol.Frame) error {
		return h.EmitBridgeOutput(turnID, f)
	})
}

// SessionChangedEvent reports a registry change.
type SessionChangedEvent struct {
	ID     string `json:"id"`
	Change string `json:"change"`
}

// EmitSessionChanged has the signature of a session.Observer.
func (h *EventHub) EmitSessionChanged(change, sessionID string) {
	h.emit(EventSessionChanged, SessionChangedEvent{ID: sessionID, Change: change})
}

// EmitTurnFinished reports the summary of a finished turn.
func (h *EventHub) EmitTurnFinished(turnID string, summary interface{}) {
	h.emit(EventTurnFinished, map[string]interface{}{
		"turnId":  turnID,
		"summary": summary,
	})
}
