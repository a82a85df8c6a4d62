package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/pkg/schema"
)

func echoOK(cmd wireCommand) []any {
	return []any{map[string]any{"command_id": cmd.CommandID, "success": true}}
}

func TestLazyHost_DialsOnFirstUse(t *testing.T) {
	ext := &fakeExtension{reply: echoOK}
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		ext.serve(w, r)
	}))
	t.Cleanup(srv.Close)

	h := NewLazyHost("ws"+strings.TrimPrefix(srv.URL, "http"), WebSocketOptions{})
	t.Cleanup(func() { _ = h.Close() })
	assert.EqualValues(t, 0, dials.Load())

	for range 2 {
		resp, err := h.Execute(context.Background(), "click", map[string]any{"selector": "#go"})
		require.NoError(t, err)
		assert.True(t, resp.Success)
	}
	assert.EqualValues(t, 1, dials.Load())
	assert.Len(t, ext.Commands(), 2)
}

func TestLazyHost_RedialsAfterClose(t *testing.T) {
	ext := &fakeExtension{reply: echoOK}
	h := NewLazyHost(startExtension(t, ext), WebSocketOptions{})
	t.Cleanup(func() { _ = h.Close() })

	_, err := h.Execute(context.Background(), "click", nil)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = h.Execute(context.Background(), "click", nil)
	require.NoError(t, err)
	assert.Len(t, ext.Commands(), 2)
}

func TestLazyHost_DialFailure(t *testing.T) {
	h := NewLazyHost("ws://127.0.0.1:1/browser", WebSocketOptions{})
	_, err := h.Execute(context.Background(), "click", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeHost))
	assert.NoError(t, h.Close())
}
