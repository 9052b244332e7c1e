// ABOUTME: Thread-safe TTL window for collapsing repeated control actions into one
// ABOUTME: Guards permission and input answers against double submission across tabs and instances

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

type entry struct {
	key     string
	expires time.Time
}

// Cache remembers claimed keys for a fixed TTL, holding at most maxSize keys.
// Entries are kept in claim order; since every entry shares the same TTL the
// front of the list is always the next to expire.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// New creates a cache and starts its expiry goroutine. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.expireLoop(sweepInterval(ttl))
	return c
}

// Key joins parts into a cache key that cannot collide across part boundaries.
func Key(parts ...string) string {
	return strings.Join(parts, "\x00")
}

// Claim records key and reports whether the caller is the first to do so
// within the TTL. A false result means the action is a duplicate.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		if now.Before(el.Value.(*entry).expires) {
			return false
		}
		c.order.Remove(el)
		delete(c.index, key)
	}

	for len(c.index) >= c.maxSize {
		c.removeFront()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, expires: now.Add(c.ttl)})
	return true
}

// Seen reports whether key is claimed and unexpired.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	return ok && c.now().Before(el.Value.(*entry).expires)
}

// Forget releases a claim so the key can be claimed again, e.g. when the
// claimed action failed before taking effect.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Close stops the expiry goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}

func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Before(front.Value.(*entry).expires) {
			return
		}
		c.removeFront()
	}
}

func (c *Cache) expireLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Second {
		return time.Second
	}
	if interval > time.Minute {
		return time.Minute
	}
	return interval
}
