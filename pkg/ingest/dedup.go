package ingest

import "sync"

// dedupSet is a bounded FIFO set of recently processed message ids. It is a
// fast path only: correctness against duplicates rests on the sequencer's
// idempotency log, not on this cache.
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	order    []string
	head     int
	present  map[string]struct{}
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		present:  make(map[string]struct{}, capacity),
	}
}

// Contains reports whether id was recently added.
func (d *dedupSet) Contains(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.present[id]
	return ok
}

// Add records id, evicting the oldest entry once the set is full.
func (d *dedupSet) Add(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.present[id]; ok {
		return
	}
	if len(d.order) < d.capacity {
		d.order = append(d.order, id)
	} else {
		delete(d.present, d.order[d.head])
		d.order[d.head] = id
		d.head = (d.head + 1) % d.capacity
	}
	d.present[id] = struct{}{}
}

// Len returns the current number of entries.
func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.present)
}
