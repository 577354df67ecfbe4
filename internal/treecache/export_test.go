package treecache

import (
	"time"

	"github.com/jbtrystram/osbuild/internal/digest"
)

func (c *Cache) MockNow(now func() time.Time) {
	c.now = now
}

func (c *Cache) Pins(key digest.Digest) int {
	c.pinsMu.Lock()
	defer c.pinsMu.Unlock()
	if p, ok := c.pins[key]; ok {
		return p.count
	}
	return 0
}

// LockKey takes the lock writers of key hold, as another process would.
func (c *Cache) LockKey(key digest.Digest) (unlock func(), err error) {
	l, err := c.lock(key)
	if err != nil {
		return nil, err
	}
	return l.unlock, nil
}
