// Package dedupe tracks which (entity, day) observations were already ingested.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/demandcast/internal/domain/model"
)

// Deduper records seen observation keys so each day of an entity is
// ingested at most once.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord removes a key so the observation may be ingested again.
	// Used when a recorded observation could not be processed.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// Key identifies one observation day of an entity.
func Key(entityID string, date time.Time) string {
	return entityID + "|" + model.Truncate(date).Format(time.DateOnly)
}

// node is one entry of the insertion-ordered list.
type node struct {
	key        string
	prev, next *node
}

func (n *node) reset() {
	n.key = ""
	n.prev, n.next = nil, nil
}

// inMemoryDeduper keeps keys in a map plus an insertion-ordered list.
// Bounded mode (maxSize > 0) evicts the oldest key first; unbounded mode
// (maxSize <= 0) never evicts.
type inMemoryDeduper struct {
	mu       sync.Mutex
	seen     map[string]*node
	oldest   *node
	newest   *node
	maxSize  int
	size     atomic.Int64
	nodePool sync.Pool
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: defaultMaxSize,
		seen:    make(map[string]*node),
		nodePool: sync.Pool{
			New: func() interface{} { return &node{} },
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.seen[key]; exists {
		return true
	}
	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.remove(d.oldest)
	}

	n := d.nodePool.Get().(*node)
	n.key = key
	n.prev = d.newest
	if d.newest != nil {
		d.newest.next = n
	}
	d.newest = n
	if d.oldest == nil {
		d.oldest = n
	}
	d.seen[key] = n
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n, exists := d.seen[key]; exists {
		d.remove(n)
	}
}

// remove unlinks n and returns it to the pool. Must be called with d.mu held.
func (d *inMemoryDeduper) remove(n *node) {
	if n == nil {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		d.oldest = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		d.newest = n.prev
	}
	delete(d.seen, n.key)
	n.reset()
	d.nodePool.Put(n)
	d.size.Add(-1)
}

// Size returns the current number of entries in the deduper.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
