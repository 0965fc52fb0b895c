package ca

import (
	"container/list"
	"crypto/tls"
	"sync"
)

// DefaultCertCacheSize is the default maximum number of host certificates kept.
const DefaultCertCacheSize = 1000

type cacheEntry struct {
	key  string
	cert *tls.Certificate
}

// certCache is an LRU cache of host certificates.
type certCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
}

func newCertCache(maxSize int) *certCache {
	if maxSize <= 0 {
		maxSize = DefaultCertCacheSize
	}
	return &certCache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

func (c *certCache) get(key string) (*tls.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).cert, true
}

func (c *certCache) set(key string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).cert = cert
		return
	}
	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*cacheEntry).key)
			c.order.Remove(oldest)
		}
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, cert: cert})
}

func (c *certCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *certCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}
