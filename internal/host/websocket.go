package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/houndflow/pkg/schema"
)

const (
	DefaultURL              = "ws://localhost:8765/browser"
	DefaultCommandTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout = 10 * time.Second
)

// WebSocketOptions configures a WebSocketHost.
type WebSocketOptions struct {
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
}

// WebSocketHost drives the browser automation extension over a websocket.
// Each command is {"command_id","type","params"} and is answered by a
// message carrying the same command_id.
type WebSocketHost struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan wireResponse
	nextID  atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type wireCommand struct {
	CommandID string         `json:"command_id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params"`
}

type wireResponse struct {
	CommandID string          `json:"command_id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

var _ Host = (*WebSocketHost)(nil)

// Dial connects to the extension at url and waits for its "connected"
// greeting.
func Dial(ctx context.Context, url string, opts WebSocketOptions) (*WebSocketHost, error) {
	if url == "" {
		url = DefaultURL
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, _, err := opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHost, "connect to %s: %s", url, err.Error()).WithCause(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(opts.HandshakeTimeout))
	var hello wireResponse
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, TransportError("handshake", err)
	}
	if hello.Type != "connected" {
		_ = conn.Close()
		return nil, schema.NewErrorf(schema.ErrCodeHost, "unexpected greeting %q from %s", hello.Type, url)
	}
	_ = conn.SetReadDeadline(time.Time{})

	h := &WebSocketHost{
		conn:    conn,
		timeout: opts.CommandTimeout,
		logger:  opts.Logger,
		pending: make(map[string]chan wireResponse),
		done:    make(chan struct{}),
	}
	go h.readLoop()

	h.logger.Info("automation host connected", "url", url)
	return h, nil
}

// Execute sends one command and waits for its response, the command timeout,
// or ctx.
func (h *WebSocketHost) Execute(ctx context.Context, stepType string, params map[string]any) (*Response, error) {
	id := fmt.Sprintf("cmd-%d", h.nextID.Add(1))
	ch := make(chan wireResponse, 1)

	h.mu.Lock()
	h.pending[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	timeout := commandTimeout(params, h.timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if params == nil {
		params = map[string]any{}
	}
	if err := h.write(wireCommand{CommandID: id, Type: stepType, Params: params}); err != nil {
		return nil, TransportError(stepType, err)
	}

	select {
	case resp := <-ch:
		return &Response{
			Success: resp.Success,
			Outputs: decodeResult(resp.Result),
			Error:   resp.Error,
		}, nil
	case <-h.done:
		return nil, schema.NewErrorf(schema.ErrCodeHost, "%s: connection closed", stepType).WithCause(h.closeErr)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"command %s (%s) timed out after %s", id, stepType, timeout).
				WithCause(ctx.Err())
		}
		return nil, TransportError(stepType, ctx.Err())
	}
}

// Close shuts the connection down. Pending commands fail with HOST_ERROR.
func (h *WebSocketHost) Close() error {
	h.writeMu.Lock()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	h.writeMu.Unlock()

	err := h.conn.Close()
	h.shutdown(errors.New("closed by client"))
	return err
}

func (h *WebSocketHost) write(cmd wireCommand) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteJSON(cmd)
}

func (h *WebSocketHost) readLoop() {
	for {
		var msg wireResponse
		if err := h.conn.ReadJSON(&msg); err != nil {
			h.shutdown(err)
			return
		}
		if msg.CommandID == "" {
			h.logger.Debug("host event", "type", msg.Type)
			continue
		}

		h.mu.Lock()
		ch, ok := h.pending[msg.CommandID]
		h.mu.Unlock()
		if !ok {
			h.logger.Warn("response for unknown command", "command_id", msg.CommandID)
			continue
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *WebSocketHost) shutdown(err error) {
	h.closeOnce.Do(func() {
		h.closeErr = err
		close(h.done)
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			h.logger.Debug("automation host connection ended", "error", err)
		}
	})
}

func (h *WebSocketHost) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// commandTimeout honours a "timeout" param given in milliseconds.
func commandTimeout(params map[string]any, fallback time.Duration) time.Duration {
	var ms float64
	switch v := params["timeout"].(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	}
	if ms > 0 {
		return time.Duration(ms * float64(time.Millisecond))
	}
	return fallback
}

// decodeResult exposes object results directly and wraps anything else
// under "result".
func decodeResult(raw json.RawMessage) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"result": string(raw)}
	}
	return map[string]any{"result": v}
}
