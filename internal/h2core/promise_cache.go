package h2core

import (
	"sync"

	"github.com/riobard/go-bloom"
)

// pushPathCache deduplicates PUSH_PROMISE delivery per connection: a
// misbehaving or duplicate promise for a path already pushed on the same
// endpoint is dropped rather than delivered twice (§4.5). Bounded by a
// Bloom filter rather than an unbounded set, since a long-lived connection
// may receive arbitrarily many pushes over its lifetime.
type pushPathCache struct {
	mu     sync.Mutex
	filter *bloom.Filter
}

// newPushPathCache sizes the filter for expectedPushes items at a 1%
// false-positive rate; an occasional false "already seen" verdict only
// costs one legitimately-pushable resource, never a correctness violation.
func newPushPathCache(expectedPushes uint32) *pushPathCache {
	if expectedPushes == 0 {
		expectedPushes = 256
	}
	return &pushPathCache{filter: bloom.New(expectedPushes, 0.01)}
}

// seen reports whether key (authority + path) was already recorded, and
// records it if not.
func (c *pushPathCache) seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := []byte(key)
	if c.filter.Test(b) {
		return true
	}
	c.filter.Add(b)
	return false
}
