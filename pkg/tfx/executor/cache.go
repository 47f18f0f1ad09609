package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/tfx/loader"
)

// Cache holds loaded techniques by content hash. Safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	techniques map[types.Hash]*loader.Technique
	names      map[string]types.Hash

	// rejected holds hashes of containers that failed to load.
	rejected map[types.Hash]error
}

// NewCache creates an empty technique cache.
func NewCache() *Cache {
	return &Cache{
		techniques: make(map[types.Hash]*loader.Technique),
		names:      make(map[string]types.Hash),
		rejected:   make(map[types.Hash]error),
	}
}

// Add inserts a technique, replacing any technique of the same name.
func (c *Cache) Add(t *loader.Technique) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.techniques[t.Hash] = t
	if t.Name != "" {
		c.names[t.Name] = t.Hash
	}
}

// Load parses a container and caches the technique. A container that fails
// to load is logged once; later loads of the same bytes return the
// recorded error.
func (c *Cache) Load(data []byte) (*loader.Technique, error) {
	key := types.HashBytes(data)

	c.mu.RLock()
	err, bad := c.rejected[key]
	c.mu.RUnlock()
	if bad {
		return nil, err
	}

	t, err := loader.Load(data)
	if err != nil {
		c.mu.Lock()
		c.rejected[key] = err
		c.mu.Unlock()
		log.Errorf("technique %s skipped: %v", key.Short(), err)
		return nil, err
	}

	if cur, ok := c.Get(t.Hash); ok {
		return cur, nil
	}
	c.Add(t)
	return t, nil
}

// Get returns a technique by hash.
func (c *Cache) Get(h types.Hash) (*loader.Technique, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.techniques[h]
	return t, ok
}

// Lookup returns a technique by name or base58 hash.
func (c *Cache) Lookup(key string) (*loader.Technique, error) {
	c.mu.RLock()
	h, ok := c.names[key]
	c.mu.RUnlock()
	if !ok {
		var err error
		if h, err = types.HashFromBase58(key); err != nil {
			return nil, fmt.Errorf("technique %q not found", key)
		}
	}
	if t, ok := c.Get(h); ok {
		return t, nil
	}
	return nil, fmt.Errorf("technique %q not found", key)
}

// List returns all techniques ordered by name.
func (c *Cache) List() []*loader.Technique {
	c.mu.RLock()
	out := make([]*loader.Technique, 0, len(c.techniques))
	for _, t := range c.techniques {
		out = append(out, t)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Hash.String() < out[j].Hash.String()
	})
	return out
}

// Len returns the number of cached techniques.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.techniques)
}
