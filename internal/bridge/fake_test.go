package bridge

import (
	"context"
	"io"
	"sync"

	"sessionbridge/internal/permission"
	"sessionbridge/internal/protocol"
	"sessionbridge/internal/provider"
)

// step is one scripted action of a fake handle.
type step struct {
	ev     provider.Event
	decide *permission.Request
	do     func()
	block  bool
}

func emit(ev provider.Event) step { return step{ev: ev} }

// script is what a fake handle does for one attempt.
type script struct {
	steps    []step
	err      error
	startErr error
	stderr   []string
}

type fakeRuntime struct {
	kind     provider.Kind
	restore  func(sessionID, messageID string) (provider.RestoreResult, error)
	commands []provider.Command
	exists   bool

	mu       sync.Mutex
	scripts  []script
	starts   []provider.Options
	handles  []*fakeHandle
	resumed  []string
}

func (f *fakeRuntime) Kind() provider.Kind {
	if f.kind == "" {
		return provider.KindClaude
	}
	return f.kind
}

func (f *fakeRuntime) Start(ctx context.Context, input string, opts provider.Options) (provider.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.starts)
	f.starts = append(f.starts, opts)
	var sc script
	if n < len(f.scripts) {
		sc = f.scripts[n]
	}
	if sc.startErr != nil {
		return nil, sc.startErr
	}
	h := &fakeHandle{runtime: f, id: opts.ResumeID, script: sc, gate: opts.Gate}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeRuntime) Resume(ctx context.Context, sessionID string, opts provider.Options) (provider.Handle, error) {
	f.mu.Lock()
	f.resumed = append(f.resumed, sessionID)
	f.mu.Unlock()
	return &fakeHandle{runtime: f, id: sessionID}, nil
}

func (f *fakeRuntime) SessionFileExists(sessionID, workingDirectory string) bool {
	return f.exists
}

func (f *fakeRuntime) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type fakeHandle struct {
	runtime   *fakeRuntime
	id        string
	script    script
	gate      provider.ToolGate
	pos       int
	decisions []permission.Decision

	mu     sync.Mutex
	closed int
}

func (h *fakeHandle) SessionID() string { return h.id }

func (h *fakeHandle) Next(ctx context.Context) (provider.Event, error) {
	for h.pos < len(h.script.steps) {
		st := h.script.steps[h.pos]
		h.pos++
		switch {
		case st.decide != nil:
			h.decisions = append(h.decisions, h.gate.Decide(ctx, *st.decide))
		case st.do != nil:
			st.do()
		case st.block:
			<-ctx.Done()
			return nil, ctx.Err()
		default:
			if started, ok := st.ev.(provider.SessionStarted); ok && h.id == "" {
				h.id = started.SessionID
			}
			return st.ev, nil
		}
	}
	if h.script.err != nil {
		return nil, h.script.err
	}
	return nil, io.EOF
}

func (h *fakeHandle) Restore(ctx context.Context, messageID string) (provider.RestoreResult, error) {
	if h.runtime.restore == nil {
		return provider.RestoreResult{}, provider.ErrRestoreUnsupported
	}
	return h.runtime.restore(h.id, messageID)
}

func (h *fakeHandle) SupportedCommands(ctx context.Context) ([]provider.Command, error) {
	return h.runtime.commands, nil
}

func (h *fakeHandle) Stderr() []string { return h.script.stderr }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// recorder collects emitted frames.
type recorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
	onEmit func(f protocol.Frame)
}

func (r *recorder) Emit(f protocol.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	hook := r.onEmit
	r.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return nil
}

func (r *recorder) tags() []protocol.Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := make([]protocol.Tag, 0, len(r.frames))
	for _, f := range r.frames {
		tags = append(tags, f.Tag)
	}
	return tags
}

func (r *recorder) texts(tag protocol.Tag) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames {
		if f.Tag == tag {
			out = append(out, f.Text)
		}
	}
	return out
}

func (r *recorder) find(tag protocol.Tag) (protocol.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if f.Tag == tag {
			return f, true
		}
	}
	return protocol.Frame{}, false
}
