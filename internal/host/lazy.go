package host

import (
	"context"
	"sync"
)

// LazyHost dials the extension on first use and redials after the
// connection drops.
type LazyHost struct {
	url  string
	opts WebSocketOptions

	mu   sync.Mutex
	conn *WebSocketHost
}

var _ Host = (*LazyHost)(nil)

// NewLazyHost returns a host that connects to url when the first command runs.
func NewLazyHost(url string, opts WebSocketOptions) *LazyHost {
	return &LazyHost{url: url, opts: opts}
}

// Execute connects if needed and forwards the command.
func (l *LazyHost) Execute(ctx context.Context, stepType string, params map[string]any) (*Response, error) {
	conn, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Execute(ctx, stepType, params)
}

func (l *LazyHost) connect(ctx context.Context) (*WebSocketHost, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil && !l.conn.closed() {
		return l.conn, nil
	}
	conn, err := Dial(ctx, l.url, l.opts)
	if err != nil {
		return nil, err
	}
	l.conn = conn
	return conn, nil
}

// Close closes the current connection, if any.
func (l *LazyHost) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
