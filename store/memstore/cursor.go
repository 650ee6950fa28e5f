package memstore

import (
	"sync"
	"time"

	"github.com/goliatone/go-repository-index/store"
)

// cursor is a snapshot of a result set taken when the search ran. Later
// writes never shift its pages.
type cursor struct {
	mu        sync.Mutex
	hits      []store.Hit
	pos       int
	size      int
	keepAlive time.Duration
	expiresAt time.Time
}

func (c *cursor) touch(now time.Time, keepAlive time.Duration) {
	if keepAlive > 0 {
		c.keepAlive = keepAlive
	}
	if c.keepAlive <= 0 {
		c.keepAlive = time.Minute
	}
	c.expiresAt = now.Add(c.keepAlive)
}

func (c *cursor) next() []store.Hit {
	if c.pos >= len(c.hits) {
		return nil
	}
	end := c.pos + c.size
	if end > len(c.hits) {
		end = len(c.hits)
	}
	page := c.hits[c.pos:end]
	c.pos = end
	return page
}
