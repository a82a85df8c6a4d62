package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a run is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// Task is one background run.
type Task struct {
	// ID names the run in Running; usually the execution id.
	ID string
	// Run does the work. A panic is recovered and reported as an error.
	Run func() error
	// Done, if set, receives Run's error after the slot is released.
	Done func(error)
}

// PoolMetrics counts background runs.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Waiting   int64 `json:"waiting"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Pool bounds the number of workflow runs executing in the background.
type Pool struct {
	slots chan struct{}
	quit  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
	active map[string]struct{}

	waiting   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool running at most size tasks at once.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		slots:  make(chan struct{}, size),
		quit:   make(chan struct{}),
		active: make(map[string]struct{}),
	}
}

// Submit starts t once a slot is free. It blocks while the pool is full and
// gives up when ctx ends or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if t.Run == nil {
		return errors.New("task has no run func")
	}
	if p.isClosed() {
		return ErrPoolShutdown
	}

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	case <-p.quit:
		p.waiting.Add(-1)
		return ErrPoolShutdown
	}

	// Registering under the lock keeps Shutdown's wg.Wait from missing it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active[t.ID] = struct{}{}
	p.mu.Unlock()

	go p.run(t)
	return nil
}

func (p *Pool) run(t Task) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("run %s panicked: %v", t.ID, r)
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}

		p.mu.Lock()
		delete(p.active, t.ID)
		p.mu.Unlock()
		<-p.slots

		if t.Done != nil {
			t.Done(err)
		}
		p.wg.Done()
	}()
	err = t.Run()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Running returns the ids of tasks holding a slot, sorted.
func (p *Pool) Running() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() { p.wg.Wait() }

// Shutdown rejects new submissions and waits for running tasks. It is safe
// to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	active := len(p.active)
	p.mu.Unlock()
	return PoolMetrics{
		Size:      cap(p.slots),
		Waiting:   p.waiting.Load(),
		Active:    active,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
