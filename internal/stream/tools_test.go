package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCorrelatorStableIDs(t *testing.T) {
	c := NewToolCorrelator()

	id := c.Started("call_1", "ls")
	assert.Equal(t, "call_1", id)

	got, ok := c.Completed("call_1", "ls")
	require.True(t, ok)
	assert.Equal(t, "call_1", got)
	assert.Zero(t, c.Pending("ls"))
}

func TestToolCorrelatorFIFOPerCommand(t *testing.T) {
	c := NewToolCorrelator()

	first := c.Started("", "ls")
	other := c.Started("", "git status")
	second := c.Started("", "ls")

	require.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, c.Pending("ls"))

	got, ok := c.Completed("", "git status")
	require.True(t, ok)
	assert.Equal(t, other, got)

	got, ok = c.Completed("", "ls")
	require.True(t, ok)
	assert.Equal(t, first, got)

	got, ok = c.Completed("", "ls")
	require.True(t, ok)
	assert.Equal(t, second, got)

	_, ok = c.Completed("", "ls")
	assert.False(t, ok)
}

func TestToolCorrelatorMixedIDs(t *testing.T) {
	c := NewToolCorrelator()

	stable := c.Started("item_1", "make test")
	synthetic := c.Started("", "make test")

	// Completion carrying the stable id leaves the synthetic start queued.
	got, ok := c.Completed("item_1", "make test")
	require.True(t, ok)
	assert.Equal(t, stable, got)

	got, ok = c.Completed("", "make test")
	require.True(t, ok)
	assert.Equal(t, synthetic, got)
}
