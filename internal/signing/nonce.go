package signing

import "sync"

// DefaultNonceCap bounds the replay cache. Nonces only need to outlive the
// clock-skew window, so a small FIFO is enough.
const DefaultNonceCap = 1000

// nonceCache remembers recently seen nonces and evicts the oldest once full.
type nonceCache struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func newNonceCache(cap int) *nonceCache {
	if cap <= 0 {
		cap = DefaultNonceCap
	}
	return &nonceCache{seen: make(map[string]struct{}, cap), cap: cap}
}

func (c *nonceCache) contains(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[nonce]
	return ok
}

func (c *nonceCache) add(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[nonce]; ok {
		return
	}
	if len(c.order) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.seen[nonce] = struct{}{}
	c.order = append(c.order, nonce)
}

func (c *nonceCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
