package session

import (
	"sort"
	"sync"

	"sessionbridge/internal/provider"
)

// Registry change kinds passed to an Observer.
const (
	ChangeAdded   = "added"
	ChangeRemoved = "removed"
)

// Observer is notified after an entry is added or removed.
type Observer func(change, sessionID string)

// Registry maps session ids to live runtime handles so that out-of-band
// operations can reach the connection that produced a session.
//
// Entries are never evicted. A caller that starts sessions and never calls
// Remove grows the map for the life of the process.
type Registry struct {
	mu       sync.RWMutex
	handles  map[string]provider.Handle
	observer Observer
}

// NewRegistry creates an empty registry. observer may be nil.
func NewRegistry(observer Observer) *Registry {
	return &Registry{
		handles:  make(map[string]provider.Handle),
		observer: observer,
	}
}

// Put stores handle under id, replacing any previous handle.
func (r *Registry) Put(id string, handle provider.Handle) {
	if id == "" || handle == nil {
		return
	}
	r.mu.Lock()
	prev, existed := r.handles[id]
	r.handles[id] = handle
	r.mu.Unlock()

	if !existed || prev != handle {
		r.notify(ChangeAdded, id)
	}
}

// Get returns the handle stored under id.
func (r *Registry) Get(id string) (provider.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Remove deletes id and reports whether an entry existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()

	if ok {
		r.notify(ChangeRemoved, id)
	}
	return ok
}

// CompareAndRemove deletes id only while it still maps to handle.
func (r *Registry) CompareAndRemove(id string, handle provider.Handle) bool {
	r.mu.Lock()
	cur, ok := r.handles[id]
	ok = ok && cur == handle
	if ok {
		delete(r.handles, id)
	}
	r.mu.Unlock()

	if ok {
		r.notify(ChangeRemoved, id)
	}
	return ok
}

// ListIDs returns the registered ids in sorted order.
func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *Registry) notify(change, id string) {
	if r.observer != nil {
		r.observer(change, id)
	}
}
