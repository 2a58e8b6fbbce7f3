package routecalc

import (
	"container/list"
	"fmt"
	"strings"

	"vantrack/internal/trip"
)

// cacheKey identifies a computation by waypoint identity, order, position
// and options.
func cacheKey(ordered []Waypoint, direction trip.Direction, speedKmh float64) string {
	var b strings.Builder
	b.WriteString(string(direction))
	fmt.Fprintf(&b, "|%.1f", speedKmh)
	for _, w := range ordered {
		fmt.Fprintf(&b, "|%s:%.6f,%.6f", w.ID, w.Lat, w.Lng)
	}
	return b.String()
}

type cacheEntry struct {
	key   string
	route *CalculatedRoute
}

// lruCache is a small bounded cache over computed routes. Callers hold the
// calculator lock; no internal locking.
type lruCache struct {
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) (*CalculatedRoute, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).route, true
}

func (c *lruCache) put(key string, route *CalculatedRoute) {
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).route = route
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, route: route})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

func (c *lruCache) len() int { return c.order.Len() }
