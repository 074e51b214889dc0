// Package cache holds design documents fetched during one migration run.
//
// A Cache is an explicit object handed to the planner, scoped to a run or to a
// worker. Entries never expire; they are dropped when a migration activates a
// new version of a design (Invalidate) or when the database holding them is
// destroyed (InvalidateAll). Lock serializes units working on the same
// (database, id) pair when a cache is shared between workers.
package cache

import (
	"github.com/im7mortal/kmutex"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/couchmodel/couchmodel.go/pkg/design"
	"github.com/couchmodel/couchmodel.go/pkg/store"
)

type Cache struct {
	dbs   *xsync.MapOf[string, *xsync.MapOf[string, *design.Document]]
	locks *kmutex.Kmutex
}

func New() *Cache {
	return &Cache{
		dbs:   xsync.NewMapOf[string, *xsync.MapOf[string, *design.Document]](),
		locks: kmutex.New(),
	}
}

// Get returns a copy of the cached document.
func (c *Cache) Get(db, id string) (*design.Document, bool) {
	docs, ok := c.dbs.Load(db)
	if !ok {
		return nil, false
	}
	d, ok := docs.Load(id)
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Put caches a copy of d.
func (c *Cache) Put(db, id string, d *design.Document) {
	docs, _ := c.dbs.LoadOrCompute(db, func() *xsync.MapOf[string, *design.Document] {
		return xsync.NewMapOf[string, *design.Document]()
	})
	docs.Store(id, d.Clone())
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(db, id string) {
	if docs, ok := c.dbs.Load(db); ok {
		docs.Delete(id)
	}
}

// InvalidateAll drops every entry of db.
func (c *Cache) InvalidateAll(db string) {
	c.dbs.Delete(db)
}

// Len returns the number of cached documents.
func (c *Cache) Len() int {
	n := 0
	c.dbs.Range(func(_ string, docs *xsync.MapOf[string, *design.Document]) bool {
		n += docs.Size()
		return true
	})
	return n
}

type lockKey struct {
	db, id string
}

// Lock blocks until the (db, id) unit lock is held and returns its release.
func (c *Cache) Lock(db, id string) (unlock func()) {
	k := lockKey{db: db, id: id}
	c.locks.Lock(k)
	return func() { c.locks.Unlock(k) }
}

// Watch subscribes the cache to database destruction on h.
func (c *Cache) Watch(h *store.Hooked) (cancel func()) {
	return h.OnDestroy(c.InvalidateAll)
}
