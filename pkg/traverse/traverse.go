// Package traverse discovers the (model, design, database) units a migration
// run has to plan.
//
// Root targets come from models bound to a fixed database. Proxy targets are
// found by walking proxy relations breadth-first: every instance of an owner
// model resolves the database of each nested model it proxies for, the nested
// model's designs are emitted against that database, and the nested model's
// own relations are expanded from there. Proxy relations are assumed acyclic
// (see model.Registry.Validate); a depth guard turns a violation into a
// failed target instead of an endless walk.
package traverse

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/design"
	"github.com/couchmodel/couchmodel.go/pkg/logger"
	"github.com/couchmodel/couchmodel.go/pkg/model"
	"github.com/couchmodel/couchmodel.go/pkg/store"
)

// Target is one unit of migration work. A target with Err set could not be
// fully discovered and is reported as failed without planning; Design may be
// nil in that case.
type Target struct {
	Model    string
	Design   *design.Document
	Database string
	// Depth is the number of proxy relations followed, 0 for root targets.
	Depth int
	// Via names the owner instance the database was resolved from, as "Model:id".
	Via string
	Err error
}

// DesignID returns the target design id, or "" when unknown.
func (t Target) DesignID() string {
	if t.Design == nil {
		return ""
	}
	return t.Design.ID
}

func (t Target) String() string {
	s := t.Model
	if id := t.DesignID(); id != "" {
		s = id
	}
	if t.Database != "" {
		s = t.Database + "/" + s
	}
	return s
}

type Engine struct {
	reg      *model.Registry
	st       store.Store
	maxDepth int
	timeout  time.Duration
	log      logger.Logger
}

type Option func(*Engine)

// WithMaxDepth bounds the number of proxy relations followed from a root owner.
func WithMaxDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// WithTimeout bounds each instance enumeration.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func New(reg *model.Registry, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		reg:      reg,
		st:       st,
		maxDepth: constants.DefaultMaxProxyDepth,
		timeout:  constants.DefaultStoreTimeout,
		log:      logger.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CollectRootTargets returns one target per design of every model that is not
// proxy-owned. A root model without a database yields failed targets.
func (e *Engine) CollectRootTargets() []Target {
	var out []Target
	for _, m := range e.reg.Models() {
		if m.IsProxyOwned() {
			continue
		}
		db := m.BoundDatabase()
		for _, d := range m.DeclaredDesigns(e.reg.TypeKey()) {
			t := Target{Model: m.Name, Design: d, Database: db}
			if db == "" {
				t.Err = fmt.Errorf("model %s has no database: %w", m.Name, constants.ErrInvalidDeclaration)
			}
			out = append(out, t)
		}
	}
	return out
}

type workItem struct {
	model *model.Model
	db    string
	depth int
	via   string
}

type visitKey struct {
	model, db string
}

// CollectProxyTargets lazily yields one target per design of every proxied
// model per resolved database, to any proxy depth. Discovery stops early when
// ctx is done or the consumer stops iterating.
func (e *Engine) CollectProxyTargets(ctx context.Context) iter.Seq[Target] {
	return func(yield func(Target) bool) {
		var queue []workItem
		push := func(w workItem) { queue = append(queue, w) }

		for _, owner := range e.reg.Models() {
			if owner.IsProxyOwned() || !owner.IsProxying() {
				continue
			}
			db := owner.BoundDatabase()
			if db == "" {
				err := fmt.Errorf("proxy owner %s has no database: %w", owner.Name, constants.ErrInvalidDeclaration)
				if !yield(Target{Model: owner.Name, Err: err}) {
					return
				}
				continue
			}
			if !e.expand(ctx, owner, db, 0, push, yield) {
				return
			}
		}

		visited := make(map[visitKey]struct{})
		for len(queue) > 0 {
			if ctx.Err() != nil {
				return
			}
			w := queue[0]
			queue = queue[1:]

			if w.depth > e.maxDepth {
				err := fmt.Errorf("%s in %s at depth %d: %w", w.model.Name, w.db, w.depth, constants.ErrProxyCycleSuspected)
				e.log.Warn("proxy depth guard hit", "model", w.model.Name, "database", w.db, "depth", w.depth)
				if !yield(Target{Model: w.model.Name, Database: w.db, Depth: w.depth, Via: w.via, Err: err}) {
					return
				}
				continue
			}
			k := visitKey{model: w.model.Name, db: w.db}
			if _, seen := visited[k]; seen {
				continue
			}
			visited[k] = struct{}{}

			for _, d := range w.model.DeclaredDesigns(e.reg.TypeKey()) {
				if !yield(Target{Model: w.model.Name, Design: d, Database: w.db, Depth: w.depth, Via: w.via}) {
					return
				}
			}
			if !e.expand(ctx, w.model, w.db, w.depth, push, yield) {
				return
			}
		}
	}
}

// expand resolves, for every instance of owner in db, the database of each
// nested model owner proxies for and queues it. Failures are yielded as
// targets. It returns false when the consumer stopped.
func (e *Engine) expand(ctx context.Context, owner *model.Model, db string, depth int,
	push func(workItem), yield func(Target) bool,
) bool {
	for _, rel := range owner.Proxies {
		nested, ok := e.reg.Lookup(rel.Model)
		if !ok {
			err := fmt.Errorf("%s proxies for %s: %w", owner.Name, rel.Model, constants.ErrUnknownModel)
			if !yield(Target{Model: rel.Model, Database: db, Depth: depth + 1, Err: err}) {
				return false
			}
			continue
		}
		resolve, err := e.reg.ResolverFor(rel)
		if err != nil {
			if !yield(Target{Model: nested.Name, Database: db, Depth: depth + 1, Err: err}) {
				return false
			}
			continue
		}
		if !e.expandRelation(ctx, owner, nested, db, depth, resolve, push, yield) {
			return false
		}
	}
	return true
}

func (e *Engine) expandRelation(ctx context.Context, owner, nested *model.Model, db string, depth int,
	resolve model.Resolver, push func(workItem), yield func(Target) bool,
) bool {
	ectx, cancel := e.withTimeout(ctx)
	defer cancel()

	for inst, err := range e.st.AllInstances(ectx, db, owner.Name) {
		if err != nil {
			err = fmt.Errorf("list %s instances in %s: %w", owner.Name, db, err)
			return yield(Target{Model: nested.Name, Database: db, Depth: depth + 1, Err: err})
		}
		via := owner.Name + ":" + inst.ID()
		child, err := resolve(ectx, inst)
		if err != nil {
			err = fmt.Errorf("resolve %s database for %s: %w", nested.Name, via, err)
			if !yield(Target{Model: nested.Name, Depth: depth + 1, Via: via, Err: err}) {
				return false
			}
			continue
		}
		e.log.Debug("proxy database resolved", "owner", via, "model", nested.Name, "database", child)
		push(workItem{model: nested, db: child, depth: depth + 1, via: via})
	}
	return true
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
