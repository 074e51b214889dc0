package store

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Hooked wraps a Store and notifies subscribers after a database is destroyed.
// Design caches subscribe so a deleted database is never served from memory.
type Hooked struct {
	Store

	next  atomic.Uint64
	hooks *xsync.MapOf[uint64, func(db string)]
}

// WithDestroyHooks wraps st. Wrapping an already hooked store returns it unchanged.
func WithDestroyHooks(st Store) *Hooked {
	if h, ok := st.(*Hooked); ok {
		return h
	}
	return &Hooked{
		Store: st,
		hooks: xsync.NewMapOf[uint64, func(db string)](),
	}
}

// OnDestroy registers fn and returns a function that unregisters it.
func (h *Hooked) OnDestroy(fn func(db string)) (cancel func()) {
	id := h.next.Add(1)
	h.hooks.Store(id, fn)
	return func() { h.hooks.Delete(id) }
}

// DestroyDatabase destroys db and then runs every hook, also when the
// backend reports an error, since the database may be partially gone.
func (h *Hooked) DestroyDatabase(ctx context.Context, db string) error {
	err := h.Store.DestroyDatabase(ctx, db)
	h.hooks.Range(func(_ uint64, fn func(string)) bool {
		fn(db)
		return true
	})
	return err
}

// WarmView forwards to the wrapped store when it is a Warmer.
func (h *Hooked) WarmView(ctx context.Context, db, designID, view string) error {
	if w, ok := h.Store.(Warmer); ok {
		return w.WarmView(ctx, db, designID, view)
	}
	return nil
}
