package expressions

import (
	"sync"

	"github.com/rendis/houndflow/pkg/schema"
)

// maxCachedPrograms bounds each engine's cache. Workflows can be imported at
// runtime, so the set of expressions is open-ended.
const maxCachedPrograms = 512

// programCache maps expression source to its compiled form.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

// get returns the cached program for src, compiling it on a miss. A full
// cache is emptied before the new entry is stored.
func (c *programCache[P]) get(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	prg, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := compile(src)
	if err != nil {
		return prg, err
	}

	c.mu.Lock()
	if len(c.progs) >= maxCachedPrograms {
		clear(c.progs)
	}
	c.progs[src] = prg
	c.mu.Unlock()
	return prg, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// expressionError wraps a compile or runtime failure of one engine.
func expressionError(engine, stage, src string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s %q: %s", engine, stage, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": src})
}
