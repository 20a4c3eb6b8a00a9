package websocket

import (
	"sort"
	"sync"
)

// StreamKey orders stream entries by instrument, then by timestamp within an
// instrument. The cache evicts the lowest key first, so for a given symbol the
// oldest entries go before newer ones.
type StreamKey struct {
	Symbol    string
	Timestamp int64
}

func (k StreamKey) less(o StreamKey) bool {
	if k.Symbol != o.Symbol {
		return k.Symbol < o.Symbol
	}
	return k.Timestamp < o.Timestamp
}

// StreamCache is a capacity-bounded ordered map for live stream data. When an
// insert pushes the size past capacity the lowest key is evicted, except that
// the entry just inserted is never the one evicted, even when it sorts lowest.
// Safe for concurrent use.
type StreamCache[V any] struct {
	mu       sync.Mutex
	capacity int
	entries  map[StreamKey]V
	keys     []StreamKey // ascending
}

// NewStreamCache builds a cache holding at most capacity entries. A capacity
// below 1 is raised to 1.
func NewStreamCache[V any](capacity int) *StreamCache[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &StreamCache[V]{
		capacity: capacity,
		entries:  make(map[StreamKey]V, capacity),
	}
}

// Put inserts or replaces the entry for key.
func (c *StreamCache[V]) Put(key StreamKey, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = value
		return
	}

	idx := sort.Search(len(c.keys), func(i int) bool { return !c.keys[i].less(key) })
	c.keys = append(c.keys, StreamKey{})
	copy(c.keys[idx+1:], c.keys[idx:])
	c.keys[idx] = key
	c.entries[key] = value

	if len(c.keys) <= c.capacity {
		return
	}
	victim := 0
	if c.keys[victim] == key {
		victim = 1
	}
	delete(c.entries, c.keys[victim])
	c.keys = append(c.keys[:victim], c.keys[victim+1:]...)
}

// Get returns the entry for key if present.
func (c *StreamCache[V]) Get(key StreamKey) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Len reports the current entry count. Never exceeds capacity.
func (c *StreamCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// Recent returns up to n entries for symbol in ascending timestamp order,
// ending at the newest retained entry.
func (c *StreamCache[V]) Recent(symbol string, n int) []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	lo := sort.Search(len(c.keys), func(i int) bool { return c.keys[i].Symbol >= symbol })
	hi := sort.Search(len(c.keys), func(i int) bool { return c.keys[i].Symbol > symbol })
	if hi-lo > n {
		lo = hi - n
	}
	out := make([]V, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, c.entries[c.keys[i]])
	}
	return out
}
