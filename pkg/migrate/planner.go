// Package migrate decides and applies design document migrations for single
// targets.
//
// Per (database, design) the planner walks this state machine:
//
//	stored missing             -> persist declared as live            created
//	stored digest == declared  -> nothing                             unchanged
//	shadow missing or outdated -> stage declared under the shadow id  staged
//	shadow current, activate   -> copy shadow into live, drop shadow  activated
//	shadow current, no activate                                       staged_pending_activation
//
// With activation requested a freshly staged shadow is activated in the same
// call, so a changed declaration reports activated. A shadow is activated only
// after its indexes were built; when warm-up fails the unit reports staged (or
// staged_pending_activation for an existing shadow) with Err set, and a later
// run retries. Activation writes the live
// document conditionally on the revision read at the start of the unit; a
// concurrent change surfaces as a conflict and leaves the shadow in place.
//
// Cleanup is a separate pass deleting shadows whose digest differs from the
// current declaration.
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/couchmodel/couchmodel.go/pkg/cache"
	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/design"
	"github.com/couchmodel/couchmodel.go/pkg/logger"
	"github.com/couchmodel/couchmodel.go/pkg/store"
	"github.com/couchmodel/couchmodel.go/pkg/traverse"
)

type Planner struct {
	st      store.Store
	cache   *cache.Cache
	log     logger.Logger
	timeout time.Duration
	warm    bool
}

type Option func(*Planner)

// WithTimeout bounds every store call of a unit.
func WithTimeout(d time.Duration) Option {
	return func(p *Planner) { p.timeout = d }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Planner) { p.log = l }
}

// WithWarmUp toggles building shadow indexes right after staging, when the
// store supports it. On by default.
func WithWarmUp(on bool) Option {
	return func(p *Planner) { p.warm = on }
}

// NewPlanner returns a planner reading through c. A nil cache gets a private one.
func NewPlanner(st store.Store, c *cache.Cache, opts ...Option) *Planner {
	if c == nil {
		c = cache.New()
	}
	p := &Planner{
		st:      st,
		cache:   c,
		log:     logger.Nop(),
		timeout: constants.DefaultStoreTimeout,
		warm:    true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func failed(t traverse.Target, err error) Outcome {
	return Outcome{Target: t, Status: StatusFailed, Err: err}
}

// Plan runs the state machine for t.
func (p *Planner) Plan(ctx context.Context, t traverse.Target, activate bool) (out Outcome) {
	start := time.Now()
	defer func() { out.Duration = time.Since(start) }()

	if t.Err != nil {
		return failed(t, t.Err)
	}
	if t.Design == nil || t.Database == "" {
		return failed(t, fmt.Errorf("%s: no design or database: %w", t, constants.ErrInvalidDeclaration))
	}
	if err := ctx.Err(); err != nil {
		return failed(t, store.ContextErr("plan", err))
	}

	db, id := t.Database, t.Design.ID
	unlock := p.cache.Lock(db, id)
	defer unlock()

	declared := t.Design.Clone()
	declared.Refresh()

	stored, err := p.fetch(ctx, db, id)
	switch {
	case store.NotFound(err):
		if err := p.persist(ctx, db, declared); err != nil {
			return failed(t, err)
		}
		p.cache.Put(db, id, declared)
		p.log.Info("design created", "database", db, "design", id, "digest", declared.Digest)
		return Outcome{Target: t, Status: StatusCreated}
	case err != nil:
		return failed(t, err)
	}

	if stored.Matches(declared) {
		p.log.Debug("design unchanged", "database", db, "design", id)
		return Outcome{Target: t, Status: StatusUnchanged}
	}

	shadowID := design.ShadowID(id)
	shadow, err := p.load(ctx, db, shadowID)
	if err != nil && !store.NotFound(err) {
		return failed(t, err)
	}

	if shadow == nil || !shadow.Matches(declared) {
		staged := declared.WithID(shadowID)
		if shadow != nil {
			staged.Rev = shadow.Rev
		}
		if err := p.persist(ctx, db, staged); err != nil {
			return failed(t, err)
		}
		p.log.Info("design staged", "database", db, "design", id,
			"from", stored.Digest, "to", staged.Digest, "replaced_stale_shadow", shadow != nil)
		err := p.warmUp(ctx, db, staged)
		if !activate {
			return Outcome{Target: t, Status: StatusStaged}
		}
		if err != nil {
			return Outcome{Target: t, Status: StatusStaged, Err: err}
		}
		shadow = staged
	} else if !activate {
		p.log.Debug("design staged, activation not requested", "database", db, "design", id)
		return Outcome{Target: t, Status: StatusPending}
	} else if err := p.warmUp(ctx, db, shadow); err != nil {
		return Outcome{Target: t, Status: StatusPending, Err: err}
	}

	return p.activate(ctx, t, stored, shadow)
}

// activate copies shadow into the live id conditionally on stored.Rev and
// removes the shadow. It runs to completion once started, ignoring
// cancellation of ctx but not the per-call timeout.
func (p *Planner) activate(ctx context.Context, t traverse.Target, stored, shadow *design.Document) Outcome {
	ctx = context.WithoutCancel(ctx)
	db, id := t.Database, stored.ID

	live := shadow.WithID(id)
	live.Rev = stored.Rev
	if err := p.persist(ctx, db, live); err != nil {
		if store.Conflict(err) {
			p.cache.Invalidate(db, id)
			p.log.Warn("activation conflict, live design changed concurrently", "database", db, "design", id)
		}
		return failed(t, err)
	}
	p.cache.Invalidate(db, id)

	out := Outcome{Target: t, Status: StatusActivated}
	if err := p.remove(ctx, db, shadow.ID); err != nil && !store.NotFound(err) {
		out.Err = fmt.Errorf("activated %s but shadow remains: %w", id, err)
		p.log.Warn("shadow removal failed", "database", db, "design", id, "err", err)
	}
	p.log.Info("design activated", "database", db, "design", id, "digest", live.Digest)
	return out
}

// Cleanup deletes the shadow of t when its digest no longer matches the
// current declaration. Only shadows of declared designs are visited; a shadow
// whose design or model is no longer declared is left for the operator.
func (p *Planner) Cleanup(ctx context.Context, t traverse.Target) (out Outcome) {
	start := time.Now()
	defer func() { out.Duration = time.Since(start) }()

	if t.Err != nil {
		return failed(t, t.Err)
	}
	if t.Design == nil || t.Database == "" {
		return failed(t, fmt.Errorf("%s: no design or database: %w", t, constants.ErrInvalidDeclaration))
	}
	if err := ctx.Err(); err != nil {
		return failed(t, store.ContextErr("cleanup", err))
	}

	db, id := t.Database, t.Design.ID
	unlock := p.cache.Lock(db, id)
	defer unlock()

	declared := t.Design.Clone()
	declared.Refresh()

	shadowID := design.ShadowID(id)
	shadow, err := p.load(ctx, db, shadowID)
	switch {
	case store.NotFound(err):
		return Outcome{Target: t, Status: StatusUnchanged}
	case err != nil:
		return failed(t, err)
	}
	if shadow.Matches(declared) {
		return Outcome{Target: t, Status: StatusUnchanged}
	}
	if err := p.remove(ctx, db, shadowID); err != nil {
		if store.NotFound(err) {
			return Outcome{Target: t, Status: StatusUnchanged}
		}
		return failed(t, err)
	}
	p.log.Info("stale shadow removed", "database", db, "design", id, "shadow_digest", shadow.Digest)
	return Outcome{Target: t, Status: StatusCleaned}
}

// fetch reads the live design through the cache. Missing documents are not
// cached.
func (p *Planner) fetch(ctx context.Context, db, id string) (*design.Document, error) {
	if d, ok := p.cache.Get(db, id); ok {
		return d, nil
	}
	d, err := p.load(ctx, db, id)
	if err != nil {
		return nil, err
	}
	p.cache.Put(db, id, d)
	return d, nil
}

func (p *Planner) load(ctx context.Context, db, id string) (*design.Document, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	d, err := design.LoadStored(ctx, p.st, db, id)
	if err != nil {
		return nil, fmt.Errorf("load %s in %s: %w", id, db, err)
	}
	return d, nil
}

func (p *Planner) persist(ctx context.Context, db string, d *design.Document) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := design.Persist(ctx, p.st, db, d)
	return err
}

func (p *Planner) remove(ctx context.Context, db, id string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := p.st.Delete(ctx, db, id); err != nil {
		return fmt.Errorf("delete %s in %s: %w", id, db, err)
	}
	return nil
}

// warmUp asks the store to build the shadow's indexes. Querying one view
// builds every view of a design document. A shadow is only activated once
// warmUp returned nil for it within the same unit.
func (p *Planner) warmUp(ctx context.Context, db string, shadow *design.Document) error {
	w, ok := p.st.(store.Warmer)
	if !p.warm || !ok {
		return nil
	}
	views := shadow.ViewNames()
	if len(views) == 0 {
		return nil
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := w.WarmView(ctx, db, shadow.ID, views[0]); err != nil {
		p.log.Warn("shadow warm-up failed, activation deferred", "database", db, "design", shadow.ID, "err", err)
		return fmt.Errorf("warm %s in %s: %w", shadow.ID, db, err)
	}
	return nil
}

func (p *Planner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}
