package table

import (
	"sync"

	"github.com/practo/tablestream/internal/model"
)

// TableState is the in-memory snapshot of a table's commit log head, used to
// skip a full re-list of the commits directory on every write.
type TableState struct {
	Version   int64
	Schema    *model.Schema
	LiveFiles []model.AddedFile
}

// CommitCache holds one TableState per table. A single RWMutex guards the
// whole map, so writers to different tables share one lock; there is no
// per-table mutex.
type CommitCache struct {
	mu     sync.RWMutex
	tables map[string]*TableState
}

// NewCommitCache builds an empty cache.
func NewCommitCache() *CommitCache {
	return &CommitCache{tables: make(map[string]*TableState)}
}

// Get returns the cached state for tablePrefix, and whether it was present.
func (c *CommitCache) Get(tablePrefix string) (*TableState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.tables[tablePrefix]
	return st, ok
}

// Set replaces the cached state for tablePrefix after a successful commit.
func (c *CommitCache) Set(tablePrefix string, st *TableState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[tablePrefix] = st
}

// Invalidate drops any cached state for tablePrefix, forcing the next write
// to re-derive it from the commit log. Nothing in this module calls it; the
// writer learns of commits it did not produce through commit conflicts.
func (c *CommitCache) Invalidate(tablePrefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, tablePrefix)
}
