package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"botflow/internal/core"
)

// GraphCache holds validated graphs keyed by content hash or version key.
// Cached graphs are immutable and shared by concurrent turns.
type GraphCache struct {
	mu    sync.RWMutex
	max   int
	items map[string]*core.WorkflowGraph
}

// NewGraphCache creates a cache holding at most max graphs
func NewGraphCache(max int) *GraphCache {
	return &GraphCache{
		max:   max,
		items: make(map[string]*core.WorkflowGraph, max),
	}
}

// GetOrCompute returns the cached graph for key or builds, stores and returns it
func (c *GraphCache) GetOrCompute(key string, fn func() (*core.WorkflowGraph, error)) (*core.WorkflowGraph, error) {
	c.mu.RLock()
	if g, ok := c.items[key]; ok {
		c.mu.RUnlock()
		return g, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.items[key]; ok {
		return g, nil
	}

	g, err := fn()
	if err != nil {
		return nil, err
	}

	if len(c.items) < c.max {
		c.items[key] = g
	}
	return g, nil
}

// Len returns the number of cached graphs
func (c *GraphCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
