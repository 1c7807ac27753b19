package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// cacheEntry is a doubly-linked list node for the decision cache's LRU order.
type cacheEntry struct {
	key       uint64
	decision  policy.Decision
	expiresAt time.Time
	prev      *cacheEntry
	next      *cacheEntry
}

// DecisionCache is a bounded LRU cache of policy decisions with a per-entry
// TTL, keyed on a fingerprint of the policy body considered plus the
// context normalized to hour granularity (minute and below are
// deliberately discarded so near-simultaneous requests from the same
// agent against the same resource share a cache entry).
type DecisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
	head    *cacheEntry // most recently used
	tail    *cacheEntry // least recently used
	maxSize int
	ttl     time.Duration
}

// NewDecisionCache creates a decision cache bounded to maxSize entries, each
// valid for ttl after insertion.
func NewDecisionCache(maxSize int, ttl time.Duration) *DecisionCache {
	return &DecisionCache{
		entries: make(map[uint64]*cacheEntry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Fingerprint computes the cache key for a policy body evaluated against
// ctx. Two requests fingerprint identically iff they carry the same policy
// body and agree on agent/action/resource/purpose and hour-of-day (UTC).
func Fingerprint(policyBody string, ctx *decision.Context) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(policyBody)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(ctx.Agent)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(ctx.Action))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(ctx.Resource)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(ctx.Purpose)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(fmt.Sprintf("%02d", ctx.Time.UTC().Hour()))
	return h.Sum64()
}

// Get retrieves a cached decision. Returns (decision, true) on a live hit;
// an expired entry is evicted and treated as a miss. On hit, the entry is
// promoted to the head (most recently used).
func (c *DecisionCache) Get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return policy.Decision{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		return policy.Decision{}, false
	}
	c.moveToHeadLocked(e)
	return e.decision, true
}

// Put stores a decision, evicting the least recently used entry if at
// capacity.
func (c *DecisionCache) Put(key uint64, d policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = d
		e.expiresAt = time.Now().Add(c.ttl)
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &cacheEntry{key: key, decision: d, expiresAt: time.Now().Add(c.ttl)}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. The engine does not call it: a policy edit bumps
// the policy version, which changes the key (see policyBodyKey).
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current number of live entries (expired entries still
// counted until their next Get evicts them).
func (c *DecisionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DecisionCache) removeLocked(e *cacheEntry) {
	delete(c.entries, e.key)
	c.unlinkLocked(e)
}

func (c *DecisionCache) moveToHeadLocked(e *cacheEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *DecisionCache) pushHeadLocked(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *DecisionCache) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *DecisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	c.removeLocked(c.tail)
}
