// Package authcache implements the authorization cache (C7): a bounded,
// single-threaded LRU keyed by idTag storing the CSMS's last-known
// IdTagInfo. It is exercised entirely from the core's synchronous event
// loop, so — unlike the sharded, mutex-guarded cache this is grounded on —
// it needs no locking, sharding, or background eviction worker.
//
// Eviction is biased: a full cache first evicts its least-recently-used
// entry among non-Accepted statuses (Blocked/Expired/Invalid/ConcurrentTx),
// only falling back to true LRU order once every entry is Accepted. This
// keeps a charge point that is actively used by a small set of authorized
// drivers from losing their cached authorization to a flurry of rejected
// one-off tags.
package authcache

import (
	"container/list"

	"github.com/ocpp16cp/chargepoint/internal/ocpp"
)

type entry struct {
	idTag string
	info  ocpp.IdTagInfo
}

// Cache is an LRU cache of at most capacity idTag -> IdTagInfo mappings.
type Cache struct {
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Get returns the cached IdTagInfo for idTag, if present, and marks it
// most-recently-used.
func (c *Cache) Get(idTag string) (ocpp.IdTagInfo, bool) {
	el, ok := c.index[idTag]
	if !ok {
		return ocpp.IdTagInfo{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).info, true
}

// Put inserts or updates idTag's cached info, evicting if at capacity.
func (c *Cache) Put(idTag string, info ocpp.IdTagInfo) {
	if el, ok := c.index[idTag]; ok {
		el.Value.(*entry).info = info
		c.ll.MoveToFront(el)
		return
	}
	if c.ll.Len() >= c.capacity {
		c.evictOne()
	}
	el := c.ll.PushFront(&entry{idTag: idTag, info: info})
	c.index[idTag] = el
}

// Remove drops idTag from the cache, if present.
func (c *Cache) Remove(idTag string) {
	if el, ok := c.index[idTag]; ok {
		c.ll.Remove(el)
		delete(c.index, idTag)
	}
}

// Clear empties the cache, used by ClearCache.req handling.
func (c *Cache) Clear() {
	c.ll.Init()
	c.index = make(map[string]*list.Element)
}

func (c *Cache) Len() int { return c.ll.Len() }

// evictOne removes the least-recently-used non-Accepted entry, if one
// exists; otherwise it falls back to the true LRU tail.
func (c *Cache) evictOne() {
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.info.Status != ocpp.AuthorizationStatusAccepted {
			c.ll.Remove(el)
			delete(c.index, e.idTag)
			return
		}
	}
	if tail := c.ll.Back(); tail != nil {
		e := tail.Value.(*entry)
		c.ll.Remove(tail)
		delete(c.index, e.idTag)
	}
}
