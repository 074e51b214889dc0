package couchmodel

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/gofrs/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/couchmodel/couchmodel.go/pkg/cache"
	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/logger"
	"github.com/couchmodel/couchmodel.go/pkg/metrics"
	"github.com/couchmodel/couchmodel.go/pkg/migrate"
	"github.com/couchmodel/couchmodel.go/pkg/model"
	"github.com/couchmodel/couchmodel.go/pkg/store"
	"github.com/couchmodel/couchmodel.go/pkg/traverse"
)

// Migrator runs migrations for every model of a registry against one store.
type Migrator struct {
	st       *store.Hooked
	reg      *model.Registry
	log      logger.Logger
	metrics  *metrics.Collector
	workers  int
	timeout  time.Duration
	maxDepth int
	warm     bool
}

type Option func(*Migrator)

// WithWorkers sets how many units run concurrently. Defaults to 1.
func WithWorkers(n int) Option {
	return func(m *Migrator) { m.workers = n }
}

func WithLogger(l logger.Logger) Option {
	return func(m *Migrator) { m.log = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Migrator) { m.metrics = c }
}

// WithTimeout bounds every single store call.
func WithTimeout(d time.Duration) Option {
	return func(m *Migrator) { m.timeout = d }
}

// WithMaxDepth sets the proxy depth guard.
func WithMaxDepth(n int) Option {
	return func(m *Migrator) { m.maxDepth = n }
}

// WithWarmUp toggles building shadow indexes right after staging.
func WithWarmUp(on bool) Option {
	return func(m *Migrator) { m.warm = on }
}

// New returns a Migrator for the models of reg. The registry is validated
// once here; a registry with unknown references or proxy cycles is rejected.
func New(st store.Store, reg *model.Registry, opts ...Option) (*Migrator, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	m := &Migrator{
		st:       store.WithDestroyHooks(st),
		reg:      reg,
		log:      logger.Nop(),
		workers:  constants.DefaultWorkers,
		timeout:  constants.DefaultStoreTimeout,
		maxDepth: constants.DefaultMaxProxyDepth,
		warm:     true,
	}
	for _, o := range opts {
		o(m)
	}
	if m.workers < 1 {
		m.workers = 1
	}
	return m, nil
}

func (m *Migrator) engine() *traverse.Engine {
	return traverse.New(m.reg, m.st,
		traverse.WithMaxDepth(m.maxDepth),
		traverse.WithTimeout(m.timeout),
		traverse.WithLogger(m.log),
	)
}

// MigrateAll plans every design of every model bound to a database.
func (m *Migrator) MigrateAll(ctx context.Context, activate bool) *Report {
	return m.run(ctx, "migrate", slices.Values(m.engine().CollectRootTargets()),
		func(p *migrate.Planner, ctx context.Context, t traverse.Target) migrate.Outcome {
			return p.Plan(ctx, t, activate)
		})
}

// MigrateAllWithProxies plans the root designs, then the designs of every
// proxied model in every database resolved from owner instances.
func (m *Migrator) MigrateAllWithProxies(ctx context.Context, activate bool) *Report {
	return m.run(ctx, "migrate_with_proxies", m.allTargets(ctx),
		func(p *migrate.Planner, ctx context.Context, t traverse.Target) migrate.Outcome {
			return p.Plan(ctx, t, activate)
		})
}

// CleanupStaleMigrations deletes, for root and proxy targets alike, every
// shadow whose digest differs from the current declaration.
func (m *Migrator) CleanupStaleMigrations(ctx context.Context) *Report {
	return m.run(ctx, "cleanup", m.allTargets(ctx),
		func(p *migrate.Planner, ctx context.Context, t traverse.Target) migrate.Outcome {
			return p.Cleanup(ctx, t)
		})
}

// DestroyDatabase deletes db and invalidates every design cached for it by
// running migrations.
func (m *Migrator) DestroyDatabase(ctx context.Context, db string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.st.DestroyDatabase(ctx, db); err != nil {
		return fmt.Errorf("destroy %s: %w", db, err)
	}
	m.log.Info("database destroyed", "database", db)
	return nil
}

func (m *Migrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Migrator) allTargets(ctx context.Context) iter.Seq[traverse.Target] {
	e := m.engine()
	return func(yield func(traverse.Target) bool) {
		for _, t := range e.CollectRootTargets() {
			if !yield(t) {
				return
			}
		}
		for t := range e.CollectProxyTargets(ctx) {
			if !yield(t) {
				return
			}
		}
	}
}

type unitFunc func(p *migrate.Planner, ctx context.Context, t traverse.Target) migrate.Outcome

// run feeds targets to fn on at most m.workers goroutines. Cancellation is
// checked between units; targets not started by then are left out of the
// report and Report.Err is set.
func (m *Migrator) run(ctx context.Context, op string, targets iter.Seq[traverse.Target], fn unitFunc) *Report {
	id, err := uuid.NewV4()
	if err != nil {
		return &Report{Op: op, Err: fmt.Errorf("run id: %w", err)}
	}
	r := &Report{RunID: id.String(), Op: op}
	log := m.log
	log.Info("run started", "run", r.RunID, "op", op, "workers", m.workers)

	c := cache.New()
	defer c.Watch(m.st)()
	planner := migrate.NewPlanner(m.st, c,
		migrate.WithTimeout(m.timeout),
		migrate.WithLogger(log),
		migrate.WithWarmUp(m.warm),
	)

	var (
		g     errgroup.Group
		slots []*migrate.Outcome
	)
	g.SetLimit(m.workers)
	start := time.Now()
	for t := range targets {
		if err := ctx.Err(); err != nil {
			r.Err = store.ContextErr(op, err)
			break
		}
		slot := new(migrate.Outcome)
		slots = append(slots, slot)
		g.Go(func() error {
			*slot = fn(planner, ctx, t)
			m.metrics.Observe(string(slot.Status), slot.Duration)
			if slot.Failed() {
				log.Warn("unit failed", "run", r.RunID, "target", t.String(), "reason", migrate.Reason(slot.Err), "err", slot.Err)
			} else {
				log.Debug("unit done", "run", r.RunID, "target", t.String(), "status", string(slot.Status))
			}
			return nil
		})
	}
	_ = g.Wait()
	if r.Err == nil && ctx.Err() != nil {
		r.Err = store.ContextErr(op, ctx.Err())
	}

	r.Outcomes = make([]migrate.Outcome, len(slots))
	for i, s := range slots {
		r.Outcomes[i] = *s
	}
	r.Elapsed = time.Since(start)
	log.Info("run finished", "run", r.RunID, "op", op, "units", len(r.Outcomes),
		"failed", len(r.Failed()), "elapsed", r.Elapsed)
	return r
}
