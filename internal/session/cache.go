package session

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/contact-identity/internal/contact"
)

// Key identifies one connection of one tenant.
type Key struct {
	TenantID     int64
	ConnectionID int64
}

// Snapshot is an indexed, read-only copy of a connection's address book.
type Snapshot struct {
	Entries  []AddressBookEntry
	LoadedAt time.Time

	byID   map[string]int
	byLID  map[string]int
	byName map[string][]int
}

// NewSnapshot indexes entries.
func NewSnapshot(entries []AddressBookEntry, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		Entries:  entries,
		LoadedAt: loadedAt,
		byID:     make(map[string]int, len(entries)),
		byLID:    make(map[string]int),
		byName:   make(map[string][]int),
	}
	for i, e := range entries {
		if _, ok := s.byID[e.ID]; !ok {
			s.byID[e.ID] = i
		}
		for _, lid := range e.LIDs {
			if _, ok := s.byLID[lid]; !ok {
				s.byLID[lid] = i
			}
		}
		if key := contact.NameKey(e.Name); key != "" {
			s.byName[key] = append(s.byName[key], i)
		}
	}
	return s
}

// ByID returns the entry whose ID is id.
func (s *Snapshot) ByID(id string) (AddressBookEntry, bool) {
	i, ok := s.byID[id]
	if !ok {
		return AddressBookEntry{}, false
	}
	return s.Entries[i], true
}

// ByLID returns the first entry listing lid among its LIDs.
func (s *Snapshot) ByLID(lid string) (AddressBookEntry, bool) {
	i, ok := s.byLID[lid]
	if !ok {
		return AddressBookEntry{}, false
	}
	return s.Entries[i], true
}

// ByName returns every entry whose name folds to the same key as name.
func (s *Snapshot) ByName(name string) []AddressBookEntry {
	idx := s.byName[contact.NameKey(name)]
	out := make([]AddressBookEntry, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.Entries[i])
	}
	return out
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.Entries) }

type cacheEntry struct {
	key     Key
	snap    *Snapshot
	element *list.Element
}

// Cache holds address-book snapshots per connection with a TTL and LRU
// eviction at capacity.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	items    map[Key]*cacheEntry
	lru      *list.List
	loads    singleflight.Group
	nowFunc  func() time.Time
}

// NewCache creates a Cache. A zero ttl never expires; capacity defaults to 256.
func NewCache(ttl time.Duration, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 256
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		items:    make(map[Key]*cacheEntry),
		lru:      list.New(),
		nowFunc:  time.Now,
	}
}

// Get returns the cached snapshot for key if present and fresh.
func (c *Cache) Get(key Key) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.expired(e) {
		c.remove(e)
		return nil, false
	}
	c.lru.MoveToFront(e.element)
	return e.snap, true
}

// Put stores entries for key.
func (c *Cache) Put(key Key, entries []AddressBookEntry) *Snapshot {
	snap := NewSnapshot(entries, c.nowFunc())
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		e.snap = snap
		c.lru.MoveToFront(e.element)
		return snap
	}
	if len(c.items) >= c.capacity {
		if back := c.lru.Back(); back != nil {
			c.remove(back.Value.(*cacheEntry))
		}
	}
	e := &cacheEntry{key: key, snap: snap}
	e.element = c.lru.PushFront(e)
	c.items[key] = e
	return snap
}

// Load returns the cached snapshot for key, reading the address book from
// capability when missing or expired. Concurrent loads of one key share a
// single read.
func (c *Cache) Load(ctx context.Context, key Key, capability Capability) (*Snapshot, error) {
	if snap, ok := c.Get(key); ok {
		return snap, nil
	}
	if capability == nil {
		return nil, eris.New("session: load: no capability")
	}

	v, err, _ := c.loads.Do(loadKey(key), func() (any, error) {
		entries, err := capability.CachedAddressBook(ctx)
		if err != nil {
			return nil, eris.Wrapf(err, "session: load address book %d/%d", key.TenantID, key.ConnectionID)
		}
		zap.L().Debug("session: address book loaded",
			zap.Int64("company_id", key.TenantID),
			zap.Int64("connection_id", key.ConnectionID),
			zap.Int("entries", len(entries)),
		)
		return c.Put(key, entries), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Evict drops the snapshot for key.
func (c *Cache) Evict(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.remove(e)
	}
}

// EvictTenant drops every snapshot of a tenant and returns how many were
// removed.
func (c *Cache) EvictTenant(tenantID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for k, e := range c.items {
		if k.TenantID == tenantID {
			c.remove(e)
			n++
		}
	}
	return n
}

// Len returns the number of cached snapshots, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) expired(e *cacheEntry) bool {
	return c.ttl > 0 && c.nowFunc().Sub(e.snap.LoadedAt) >= c.ttl
}

func (c *Cache) remove(e *cacheEntry) {
	c.lru.Remove(e.element)
	delete(c.items, e.key)
}

func loadKey(k Key) string {
	return strconv.FormatInt(k.TenantID, 10) + "/" + strconv.FormatInt(k.ConnectionID, 10)
}
