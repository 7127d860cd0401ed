package node

import (
	"container/list"
	"os"
	"strconv"
	"sync"
	"time"

	"web4msg/internal/clock"
	"web4msg/internal/crypto"
)

type secretEntry struct {
	epub   string
	secret []byte
	ts     time.Time
}

// secretCache keeps pairwise secrets keyed by the peer's encoded
// encryption key, so one X25519 exchange serves many messages.
type secretCache struct {
	mu      sync.Mutex
	clk     clock.Clock
	ttl     time.Duration
	maxSize int
	items   map[string]*list.Element
	order   *list.List
}

func newSecretCache(clk clock.Clock) *secretCache {
	ttl := 10 * time.Minute
	if raw := os.Getenv("WEB4MSG_SECRET_CACHE_TTL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			ttl = time.Duration(v) * time.Second
		}
	}
	maxSize := 1024
	if raw := os.Getenv("WEB4MSG_SECRET_CACHE_MAX"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxSize = v
		}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &secretCache{
		clk:     clk,
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// derive returns the secret shared with the holder of epub.
func (c *secretCache) derive(epub string, self *crypto.Keypair) ([]byte, error) {
	if s, ok := c.get(epub); ok {
		return s, nil
	}
	raw, err := crypto.DecodeKey(epub)
	if err != nil {
		return nil, err
	}
	s, err := crypto.DeriveSharedSecret(raw, self)
	if err != nil {
		return nil, err
	}
	c.put(epub, s)
	return s, nil
}

func (c *secretCache) get(epub string) ([]byte, bool) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	el, ok := c.items[epub]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*secretEntry)
	out := make([]byte, len(ent.secret))
	copy(out, ent.secret)
	return out, true
}

func (c *secretCache) put(epub string, secret []byte) {
	if len(secret) == 0 {
		return
	}
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if el, ok := c.items[epub]; ok {
		ent := el.Value.(*secretEntry)
		ent.secret = append(ent.secret[:0], secret...)
		ent.ts = now
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&secretEntry{
		epub:   epub,
		secret: append([]byte(nil), secret...),
		ts:     now,
	})
	c.items[epub] = el
	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*secretEntry)
		delete(c.items, old.epub)
		c.order.Remove(back)
	}
}

func (c *secretCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *secretCache) pruneExpiredLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	cutoff := now.Add(-c.ttl)
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*secretEntry)
		if ent.ts.After(cutoff) {
			return
		}
		delete(c.items, ent.epub)
		c.order.Remove(back)
	}
}
