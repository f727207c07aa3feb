package websocket

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type turnParams struct {
	Input     string `json:"input"`
	SessionID string `json:"sessionId"`
}

type bindings struct {
	lastCtx context.Context
}

func (b *bindings) Echo(s string) string { return s }

func (b *bindings) Add(a, c int) (int, error) { return a + c, nil }

func (b *bindings) Fail() error { return errors.New("nope") }

func (b *bindings) Send(ctx context.Context, turnID string, p turnParams) (string, error) {
	b.lastCtx = ctx
	return turnID + ":" + p.Input + ":" + p.SessionID, nil
}

func (b *bindings) Limit(n int) []int {
	out := make([]int, n)
	return out
}

func TestRouterCall(t *testing.T) {
	b := &bindings{}
	r := NewRouter(b)
	ctx := context.WithValue(context.Background(), struct{}{}, "conn")

	got, err := r.Call(ctx, "Echo", []interface{}{"hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	got, err = r.Call(ctx, "Add", []interface{}{float64(2), float64(3)})
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	_, err = r.Call(ctx, "Fail", nil)
	assert.EqualError(t, err, "nope")

	got, err = r.Call(ctx, "Send", []interface{}{"t1", map[string]interface{}{"input": "hello", "sessionId": "s-1"}})
	require.NoError(t, err)
	assert.Equal(t, "t1:hello:s-1", got)
	assert.Equal(t, ctx, b.lastCtx, "the connection context is injected")

	got, err = r.Call(ctx, "Limit", []interface{}{float64(2)})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, got)
}

func TestRouterErrors(t *testing.T) {
	r := NewRouter(&bindings{})
	tests := []struct {
		name   string
		method string
		params []interface{}
	}{
		{"unknown method", "Missing", nil},
		{"wrong arity", "Echo", nil},
		{"wrong type", "Echo", []interface{}{true}},
		{"bad struct", "Send", []interface{}{"t", "not an object"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Call(context.Background(), tt.method, tt.params)
			assert.Error(t, err)
		})
	}
	assert.True(t, r.Has("Echo"))
	assert.False(t, r.Has("echo"))
}
