package host

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breaker is a Host decorator that stops forwarding a step type to the
// wrapped host after repeated failures. Rejected calls return HOST_ERROR
// without reaching the host. Cancellations never count as failures.
type Breaker struct {
	next   Host
	config BreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

var _ Host = (*Breaker)(nil)

// NewBreaker wraps next. Zero config fields fall back to the defaults.
func NewBreaker(next Host, config BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &Breaker{
		next:     next,
		config:   config,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// Execute forwards the command when the circuit for stepType allows it.
func (b *Breaker) Execute(ctx context.Context, stepType string, params map[string]any) (*Response, error) {
	if err := b.allow(stepType); err != nil {
		return nil, err
	}
	resp, err := b.next.Execute(ctx, stepType, params)
	switch {
	case err != nil:
		if schema.IsCode(TransportError(stepType, err), schema.ErrCodeCancelled) {
			b.release(stepType)
		} else {
			b.recordFailure(stepType)
		}
	case resp == nil || !resp.Success:
		b.recordFailure(stepType)
	default:
		b.recordSuccess(stepType)
	}
	return resp, err
}

// State returns the current state of the circuit for a step type.
func (b *Breaker) State(stepType string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(stepType)
	if c.state == CircuitOpen && b.now().Sub(c.lastFailure) >= b.config.Cooldown {
		c.state = CircuitHalfOpen
		c.halfOpenAttempts = 0
	}
	return c.state
}

// Stats returns diagnostic information about every circuit seen so far.
func (b *Breaker) Stats() map[string]map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]map[string]any, len(b.circuits))
	for stepType, c := range b.circuits {
		out[stepType] = map[string]any{
			"state":                c.state.String(),
			"consecutive_failures": c.consecutiveFailures,
			"failure_threshold":    b.config.FailureThreshold,
			"cooldown":             b.config.Cooldown.String(),
		}
	}
	return out
}

func (b *Breaker) allow(stepType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(stepType)

	switch c.state {
	case CircuitOpen:
		elapsed := b.now().Sub(c.lastFailure)
		if elapsed >= b.config.Cooldown {
			c.state = CircuitHalfOpen
			c.halfOpenAttempts = 1 // this request is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeHost,
			"circuit open for %s: %d consecutive failures", stepType, c.consecutiveFailures).
			WithDetails(map[string]any{
				"step_type":            stepType,
				"consecutive_failures": c.consecutiveFailures,
				"state":                c.state.String(),
				"cooldown_remaining":   (b.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if c.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeHost,
				"circuit half-open for %s: probe already in flight", stepType).
				WithDetails(map[string]any{"step_type": stepType, "state": c.state.String()})
		}
		c.halfOpenAttempts++
	}
	return nil
}

func (b *Breaker) recordSuccess(stepType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(stepType)
	c.consecutiveFailures = 0
	c.halfOpenAttempts = 0
	c.state = CircuitClosed
}

func (b *Breaker) recordFailure(stepType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(stepType)
	c.consecutiveFailures++
	c.lastFailure = b.now()
	if c.state == CircuitHalfOpen || c.consecutiveFailures >= b.config.FailureThreshold {
		c.state = CircuitOpen
	}
}

// release gives back a half-open probe slot without judging the host.
func (b *Breaker) release(stepType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(stepType)
	if c.state == CircuitHalfOpen && c.halfOpenAttempts > 0 {
		c.halfOpenAttempts--
	}
}

func (b *Breaker) circuitLocked(stepType string) *circuit {
	c, ok := b.circuits[stepType]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[stepType] = c
	}
	return c
}
