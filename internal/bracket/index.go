package bracket

import (
	"hash/fnv"
	"sync"

	"bracket-enginev1/internal/model"
)

const indexShards = 32

// entry pairs the committed aggregate with its per-aggregate lock. All
// mutating operations on one bracket serialize on entry.mu; operations on
// different brackets never contend beyond the shard map lock.
type entry struct {
	mu sync.Mutex
	b  *model.BracketOrder
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Index is the in-memory bracket index: O(1) lookup by id, plus secondary
// views by owning user and by trailing-watch symbol for the price-feed
// dispatcher.
type Index struct {
	shards [indexShards]*shard

	mu      sync.RWMutex
	byUser  map[string]map[string]struct{}
	watches map[string]map[string]struct{} // symbol → bracket ids with a trailing leg
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	idx := &Index{
		byUser:  make(map[string]map[string]struct{}),
		watches: make(map[string]map[string]struct{}),
	}
	for i := range idx.shards {
		idx.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return idx
}

func (idx *Index) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return idx.shards[h.Sum32()%indexShards]
}

// Insert adds a bracket to the index. Insert-once: returns false if the id
// is already present (the existing entry is left untouched).
func (idx *Index) Insert(b *model.BracketOrder) bool {
	s := idx.shardFor(b.ID)
	s.mu.Lock()
	if _, exists := s.entries[b.ID]; exists {
		s.mu.Unlock()
		return false
	}
	s.entries[b.ID] = &entry{b: b}
	s.mu.Unlock()

	idx.mu.Lock()
	if idx.byUser[b.UserID] == nil {
		idx.byUser[b.UserID] = make(map[string]struct{})
	}
	idx.byUser[b.UserID][b.ID] = struct{}{}
	idx.mu.Unlock()
	return true
}

// lookup returns the entry for id. The caller locks entry.mu before
// touching entry.b.
func (idx *Index) lookup(id string) (*entry, bool) {
	s := idx.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// Snapshot returns a deep copy of the committed aggregate.
func (idx *Index) Snapshot(id string) (*model.BracketOrder, bool) {
	e, ok := idx.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	cp := e.b.Clone()
	e.mu.Unlock()
	return cp, true
}

// SnapshotByUser returns deep copies of every bracket owned by a user.
func (idx *Index) SnapshotByUser(userID string) []model.BracketOrder {
	idx.mu.RLock()
	ids := make([]string, 0, len(idx.byUser[userID]))
	for id := range idx.byUser[userID] {
		ids = append(ids, id)
	}
	idx.mu.RUnlock()

	result := make([]model.BracketOrder, 0, len(ids))
	for _, id := range ids {
		if cp, ok := idx.Snapshot(id); ok {
			result = append(result, *cp)
		}
	}
	return result
}

// Watch registers a bracket as a trailing watcher of symbol.
func (idx *Index) Watch(symbol, id string) {
	idx.mu.Lock()
	if idx.watches[symbol] == nil {
		idx.watches[symbol] = make(map[string]struct{})
	}
	idx.watches[symbol][id] = struct{}{}
	idx.mu.Unlock()
}

// Unwatch removes a bracket's trailing watch on symbol.
func (idx *Index) Unwatch(symbol, id string) {
	idx.mu.Lock()
	if ids, ok := idx.watches[symbol]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(idx.watches, symbol)
		}
	}
	idx.mu.Unlock()
}

// Watchers returns the bracket ids with a trailing leg on symbol.
func (idx *Index) Watchers(symbol string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]string, 0, len(idx.watches[symbol]))
	for id := range idx.watches[symbol] {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the total number of indexed brackets.
func (idx *Index) Len() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
