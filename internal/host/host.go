package host

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/rendis/houndflow/pkg/schema"
)

// Response is the host's answer to one command.
type Response struct {
	Success bool           `json:"success"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Host performs page actions. A returned error means the command could not be
// completed at the transport level; a Response with Success false means the
// host ran it and reported a failure.
type Host interface {
	Execute(ctx context.Context, stepType string, params map[string]any) (*Response, error)
}

// Func adapts a function to the Host interface.
type Func func(ctx context.Context, stepType string, params map[string]any) (*Response, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, stepType string, params map[string]any) (*Response, error) {
	return f(ctx, stepType, params)
}

var timeoutMarkers = []string{"timeout", "timed out", "deadline exceeded"}

// ResponseError converts a failed Response into a structured error. Messages
// mentioning a timeout become TIMEOUT_ERROR; everything else HOST_ERROR.
func ResponseError(stepType string, resp *Response) *schema.Error {
	msg := "host reported failure"
	if resp != nil && resp.Error != "" {
		msg = resp.Error
	}
	code := schema.ErrCodeHost
	if isTimeoutMessage(msg) {
		code = schema.ErrCodeTimeout
	}
	return schema.NewError(code, msg).WithDetails(map[string]any{"step_type": stepType})
}

// TransportError converts an error returned by Execute into a structured
// error. Deadlines and net timeouts become TIMEOUT_ERROR.
func TransportError(stepType string, err error) *schema.Error {
	if err == nil {
		return nil
	}
	var he *schema.Error
	if errors.As(err, &he) {
		return he
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s: %s", stepType, err.Error()).WithCause(err)
	case errors.Is(err, context.Canceled):
		return schema.NewErrorf(schema.ErrCodeCancelled, "%s: %s", stepType, err.Error()).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeHost, "%s: %s", stepType, err.Error()).WithCause(err)
}

func isTimeoutMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range timeoutMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
