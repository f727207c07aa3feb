package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionbridge/internal/provider"
)

type stubHandle struct {
	id string
}

func (h *stubHandle) SessionID() string { return h.id }
func (h *stubHandle) Next(ctx context.Context) (provider.Event, error) {
	return nil, context.Canceled
}
func (h *stubHandle) Restore(ctx context.Context, messageID string) (provider.RestoreResult, error) {
	return provider.RestoreResult{}, nil
}
func (h *stubHandle) SupportedCommands(ctx context.Context) ([]provider.Command, error) {
	return nil, nil
}
func (h *stubHandle) Stderr() []string { return nil }
func (h *stubHandle) Close() error     { return nil }

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	r.Put("s1", &stubHandle{id: "s1"})

	assert.True(t, r.Remove("s1"))
	assert.False(t, r.Remove("s1"))
	assert.False(t, r.Has("s1"))
}

func TestRegistryPutGetList(t *testing.T) {
	r := NewRegistry(nil)
	h1, h2 := &stubHandle{id: "b"}, &stubHandle{id: "a"}
	r.Put("b", h1)
	r.Put("a", h2)
	r.Put("", h1)
	r.Put("c", nil)

	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Same(t, h1, got)
	assert.Equal(t, []string{"a", "b"}, r.ListIDs())
	assert.Equal(t, 2, r.Len())
}

func TestRegistryObserver(t *testing.T) {
	var changes []string
	r := NewRegistry(func(change, id string) {
		changes = append(changes, change+":"+id)
	})
	h := &stubHandle{id: "s"}

	r.Put("s", h)
	r.Put("s", h)
	r.Remove("s")
	r.Remove("s")

	assert.Equal(t, []string{"added:s", "removed:s"}, changes)
}

func TestRegistryCompareAndRemove(t *testing.T) {
	r := NewRegistry(nil)
	old, cur := &stubHandle{id: "s"}, &stubHandle{id: "s"}
	r.Put("s", old)
	r.Put("s", cur)

	assert.False(t, r.CompareAndRemove("s", old))
	assert.True(t, r.Has("s"))
	assert.True(t, r.CompareAndRemove("s", cur))
	assert.False(t, r.Has("s"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			r.Put(id, &stubHandle{id: id})
			_, _ = r.Get(id)
			_ = r.ListIDs()
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, r.Len())
}
