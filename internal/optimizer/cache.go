package optimizer

import (
	"container/list"
	"sync"

	"github.com/cloudarb/cloudarb/internal/domain"
)

// inFlight tracks one running solve so duplicate callers attach to it
// instead of re-solving (spec §4.3 "State": at most one in-flight solve
// per fingerprint).
type inFlight struct {
	done       chan struct{}
	allocation domain.Allocation
	err        error
}

// solutionCache is a small bounded LRU map behind a short critical
// section, plus a per-key wait list for duplicate-request coalescing
// (spec §5 "Shared-resource policy").
type solutionCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
	running  map[string]*inFlight
}

type cacheRecord struct {
	key   string
	value domain.Allocation
}

func newSolutionCache(capacity int) *solutionCache {
	return &solutionCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		running:  make(map[string]*inFlight),
	}
}

// get returns a cached allocation for fingerprint, promoting it to
// most-recently-used.
func (c *solutionCache) get(fingerprint string) (domain.Allocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fingerprint]
	if !ok {
		return domain.Allocation{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheRecord).value, true
}

// joinOrLead either registers the caller as the leader for a new solve
// (shouldRun=true, caller must call complete) or returns the in-flight
// record to wait on (shouldRun=false).
func (c *solutionCache) joinOrLead(fingerprint string) (*inFlight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.running[fingerprint]; ok {
		return existing, false
	}

	rec := &inFlight{done: make(chan struct{})}
	c.running[fingerprint] = rec
	return rec, true
}

// complete publishes a finished solve's result to the cache and wakes
// every caller waiting on its in-flight record.
func (c *solutionCache) complete(fingerprint string, alloc domain.Allocation, err error) {
	c.mu.Lock()
	rec, ok := c.running[fingerprint]
	delete(c.running, fingerprint)
	if ok {
		rec.allocation = alloc
		rec.err = err
	}

	if err == nil {
		c.put(fingerprint, alloc)
	}
	c.mu.Unlock()

	if ok {
		close(rec.done)
	}
}

// put inserts or refreshes an entry, evicting the least-recently-used
// record when capacity is exceeded. Must be called with c.mu held.
func (c *solutionCache) put(fingerprint string, alloc domain.Allocation) {
	if elem, ok := c.entries[fingerprint]; ok {
		elem.Value.(*cacheRecord).value = alloc
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheRecord{key: fingerprint, value: alloc})
	c.entries[fingerprint] = elem

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheRecord).key)
	}
}
