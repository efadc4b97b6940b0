package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/abhogle/leadops-os-sub001/internal/persistence"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// definitionCache keeps pinned definition versions in memory. A stored
// version never changes, so entries are never invalidated; the cache is
// only bounded.
type definitionCache struct {
	store persistence.DefinitionStore
	max   int

	mu        sync.RWMutex
	byVersion map[definitionKey]*api.Definition
}

type definitionKey struct {
	id      string
	version int
}

func newDefinitionCache(store persistence.DefinitionStore, max int) *definitionCache {
	if max <= 0 {
		max = 256
	}
	return &definitionCache{
		store:     store,
		max:       max,
		byVersion: make(map[definitionKey]*api.Definition),
	}
}

// Get returns the pinned version of a definition. The returned value is
// shared and must not be modified.
func (c *definitionCache) Get(ctx context.Context, id string, version int) (*api.Definition, error) {
	key := definitionKey{id: id, version: version}

	c.mu.RLock()
	def, ok := c.byVersion[key]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := c.store.GetDefinition(ctx, id, version)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return nil, api.Errorf(api.CodeNotFound, "definition %s version %d not found", id, version).WithCause(err)
		}
		return nil, api.NewError(api.CodePersistence, fmt.Sprintf("load definition %s@%d", id, version)).WithCause(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.byVersion) >= c.max {
		// Evict an arbitrary entry.
		for k := range c.byVersion {
			delete(c.byVersion, k)
			break
		}
	}
	c.byVersion[key] = def
	return def, nil
}

// Put seeds the cache with a definition that was just stored.
func (c *definitionCache) Put(def *api.Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.byVersion) < c.max {
		c.byVersion[definitionKey{id: def.ID, version: def.Version}] = def
	}
}

// Len reports the number of cached versions.
func (c *definitionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byVersion)
}
