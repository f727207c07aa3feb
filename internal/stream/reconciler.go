// Package stream turns runtime text events into an append-only delta stream.
//
// A runtime either emits true incremental events (native deltas) or only
// periodic full snapshots of the message being written. Attempt reconciles
// both into one incremental stream per channel without emitting the same
// text twice.
package stream

// Channel is a text channel of an assistant message.
type Channel int

const (
	ChannelContent Channel = iota
	ChannelThinking
)

func (c Channel) String() string {
	if c == ChannelThinking {
		return "thinking"
	}
	return "content"
}

// State is the lifecycle of one channel within an attempt.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateEnded:
		return "ended"
	default:
		return "idle"
	}
}

// StreamState tracks whether stream markers were emitted for the attempt.
type StreamState string

const (
	StreamNotStarted StreamState = "not-started"
	StreamStarted    StreamState = "started"
	StreamEnded      StreamState = "ended"
)

// segmentSeparator joins the text of consecutive assistant messages in one channel.
const segmentSeparator = "\n\n"

// Delta is text to forward to observers. Full is set in non-streaming mode,
// where Text is the complete text of a snapshot rather than a suffix.
type Delta struct {
	Channel Channel
	Text    string
	Full    bool
}

type channelState struct {
	state    State
	acc      string
	segment  string
	segStart int
	needSep  bool
}

// Attempt is the mutable state of one turn attempt. It is owned by a single
// processing loop and is not safe for concurrent use.
type Attempt struct {
	Number       int
	MessageCount int
	Streaming    bool

	// HasNativeDeltaEvents is set on the first native delta and never cleared.
	HasNativeDeltaEvents bool

	Tools *ToolCorrelator

	streamState StreamState
	channels    [2]channelState
}

// NewAttempt creates the state for attempt number n.
func NewAttempt(n int, streaming bool) *Attempt {
	return &Attempt{
		Number:      n,
		Streaming:   streaming,
		Tools:       NewToolCorrelator(),
		streamState: StreamNotStarted,
	}
}

// Observe counts one runtime event.
func (a *Attempt) Observe() {
	a.MessageCount++
}

// StartStream marks the stream as started. It reports true only for the
// transition, so the caller emits the start marker once.
func (a *Attempt) StartStream() bool {
	if a.streamState != StreamNotStarted {
		return false
	}
	a.streamState = StreamStarted
	return true
}

// StreamState returns the marker state of the attempt.
func (a *Attempt) StreamState() StreamState {
	return a.streamState
}

// End moves every channel to ENDED. It reports whether the stream had
// started, meaning the caller still owes an end marker.
func (a *Attempt) End() bool {
	for i := range a.channels {
		a.channels[i].state = StateEnded
	}
	started := a.streamState == StreamStarted
	a.streamState = StreamEnded
	return started
}

// State returns the lifecycle state of ch.
func (a *Attempt) State(ch Channel) State {
	return a.channel(ch).state
}

// Accumulated returns everything emitted (or, in non-streaming mode,
// collected) for ch so far.
func (a *Attempt) Accumulated(ch Channel) string {
	return a.channel(ch).acc
}

// NativeDelta handles a true incremental event.
func (a *Attempt) NativeDelta(ch Channel, text string) (Delta, bool) {
	cs := a.channel(ch)
	if cs.state == StateEnded {
		return Delta{}, false
	}
	cs.state = StateStreaming
	a.HasNativeDeltaEvents = true

	if text == "" {
		return Delta{}, false
	}
	cs.acc += text
	if !a.Streaming {
		return Delta{}, false
	}
	return Delta{Channel: ch, Text: text}, true
}

// Snapshot handles a full-text message. messageID may be empty; a change of
// id starts a new segment so several assistant messages in one turn each
// stream their own text.
func (a *Attempt) Snapshot(ch Channel, messageID, text string) (Delta, bool) {
	cs := a.channel(ch)
	if cs.state == StateEnded {
		return Delta{}, false
	}
	cs.state = StateStreaming

	if a.Streaming && a.HasNativeDeltaEvents {
		return Delta{}, false
	}

	if messageID != cs.segment {
		cs.segment = messageID
		cs.segStart = len(cs.acc)
		cs.needSep = len(cs.acc) > 0
	}
	current := cs.acc[cs.segStart:]

	if !a.Streaming {
		if text == "" || text == current {
			return Delta{}, false
		}
		cs.join()
		cs.acc = cs.acc[:cs.segStart] + text
		return Delta{Channel: ch, Text: text, Full: true}, true
	}

	if len(text) <= len(current) {
		return Delta{}, false
	}
	delta := text[len(current):]
	if cs.needSep {
		delta = segmentSeparator + delta
		cs.segStart += len(segmentSeparator)
		cs.needSep = false
	}
	cs.acc += delta
	return Delta{Channel: ch, Text: delta}, true
}

func (cs *channelState) join() {
	if !cs.needSep {
		return
	}
	cs.acc += segmentSeparator
	cs.segStart += len(segmentSeparator)
	cs.needSep = false
}

func (a *Attempt) channel(ch Channel) *channelState {
	if ch == ChannelThinking {
		return &a.channels[1]
	}
	return &a.channels[0]
}
