package layout

import (
	"sync"

	"github.com/fortiblox/tfxvm/internal/types"
)

// Cache derives each distinct layout once. Safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	bindings map[types.Hash]*OutputBinding
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{bindings: make(map[types.Hash]*OutputBinding)}
}

// Get returns the binding of l, deriving it on first use.
func (c *Cache) Get(l Layout) (*OutputBinding, error) {
	key := l.Fingerprint()

	c.mu.RLock()
	b, ok := c.bindings[key]
	c.mu.RUnlock()
	if ok {
		return b, nil
	}

	b, err := Derive(l)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.bindings[key]; ok {
		return cur, nil
	}
	c.bindings[key] = b
	return b, nil
}

// Len returns the number of cached bindings.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bindings)
}
