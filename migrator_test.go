package couchmodel_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchmodel/couchmodel.go"
	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/design"
	"github.com/couchmodel/couchmodel.go/pkg/logger"
	"github.com/couchmodel/couchmodel.go/pkg/metrics"
	"github.com/couchmodel/couchmodel.go/pkg/migrate"
	"github.com/couchmodel/couchmodel.go/pkg/model"
	"github.com/couchmodel/couchmodel.go/pkg/store"
	"github.com/couchmodel/couchmodel.go/pkg/store/memstore"
)

const commentMap = "function(doc){ if (doc.type == 'Comment') emit(doc.at, 1); }"

// registry: Org (db "main") owns one database per instance holding Repo
// documents; every Repo owns a "c_<id>" database holding Comment documents.
func registry(t *testing.T, commentFn string) *model.Registry {
	t.Helper()
	reg := model.NewRegistry()
	reg.MustRegister(
		&model.Model{
			Name:     "Org",
			Database: "main",
			Proxies:  []model.ProxyRelation{{Model: "Repo", Method: "field:db"}},
		},
		&model.Model{
			Name:      "Repo",
			ProxiedBy: &model.OwnerRelation{Model: "Org"},
			Proxies:   []model.ProxyRelation{{Model: "Comment", Method: "prefix:c_"}},
			Designs: []design.Declaration{
				{Views: map[string]design.View{"by_title": design.ByFields("type", "Repo", "title")}},
				{Name: "stats", Views: map[string]design.View{"stars": {Map: "function(doc){ emit(doc._id, doc.stars); }", Reduce: "_sum"}}},
			},
		},
		&model.Model{
			Name:      "Comment",
			ProxiedBy: &model.OwnerRelation{Model: "Repo"},
			Designs:   []design.Declaration{{Views: map[string]design.View{"by_time": {Map: commentFn}}}},
		},
	)
	return reg
}

func seeded(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	for _, d := range []struct {
		db, id string
		doc    store.Document
	}{
		{"main", "o1", store.Document{"type": "Org", "db": "org_o1"}},
		{"main", "o2", store.Document{"type": "Org", "db": "org_o2"}},
		{"org_o1", "r1", store.Document{"type": "Repo", "title": "api"}},
		{"org_o2", "r2", store.Document{"type": "Repo", "title": "web"}},
	} {
		_, err := st.Put(ctx, d.db, d.id, d.doc, "")
		require.NoError(t, err)
	}
	return st
}

func newMigrator(t *testing.T, st store.Store, reg *model.Registry, opts ...couchmodel.Option) *couchmodel.Migrator {
	t.Helper()
	m, err := couchmodel.New(st, reg, opts...)
	require.NoError(t, err)
	return m
}

func targets(r *couchmodel.Report) []string {
	out := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out = append(out, o.Target.String())
	}
	return out
}

func TestMigrateAllWithProxiesNested(t *testing.T) {
	ctx := context.Background()
	st := seeded(t)
	m := newMigrator(t, st, registry(t, commentMap))

	r := m.MigrateAllWithProxies(ctx, true)
	require.True(t, r.OK(), r.String())
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, []string{
		"main/_design/Org",
		"org_o1/_design/Repo",
		"org_o1/_design/Repo_stats",
		"org_o2/_design/Repo",
		"org_o2/_design/Repo_stats",
		"c_r1/_design/Comment",
		"c_r2/_design/Comment",
	}, targets(r), "2 x Repo designs + 2 x Comment designs after the root")
	assert.Equal(t, 7, r.Count(migrate.StatusCreated))

	again := m.MigrateAllWithProxies(ctx, true)
	assert.Equal(t, 7, again.Count(migrate.StatusUnchanged), again.String())
}

func TestMigrateAllRootOnly(t *testing.T) {
	st := seeded(t)
	m := newMigrator(t, st, registry(t, commentMap))
	r := m.MigrateAll(context.Background(), true)
	assert.Equal(t, []string{"main/_design/Org"}, targets(r))
	assert.Equal(t, []string{"r1"}, st.IDs("org_o1"), "proxy databases untouched")
}

func TestMigrateWithoutActivationThenCleanup(t *testing.T) {
	ctx := context.Background()
	st := seeded(t)
	require.True(t, newMigrator(t, st, registry(t, commentMap)).MigrateAllWithProxies(ctx, true).OK())

	changed := newMigrator(t, st, registry(t, "function(doc){ emit([doc.at, doc.author], 1); }"))
	r := changed.MigrateAllWithProxies(ctx, false)
	require.True(t, r.OK(), r.String())
	assert.Equal(t, 2, r.Count(migrate.StatusStaged))
	assert.Equal(t, 5, r.Count(migrate.StatusUnchanged))
	live, err := st.Get(ctx, "c_r1", "_design/Comment")
	require.NoError(t, err)
	assert.Contains(t, live["views"], "by_time")
	assert.Contains(t, st.IDs("c_r1"), "_design/Comment_migration")

	r = changed.MigrateAllWithProxies(ctx, false)
	assert.Equal(t, 2, r.Count(migrate.StatusPending))

	// declaration reverted before activation: the shadow is stale
	original := newMigrator(t, st, registry(t, commentMap))
	r = original.CleanupStaleMigrations(ctx)
	require.True(t, r.OK(), r.String())
	assert.Equal(t, 2, r.Count(migrate.StatusCleaned))
	assert.Equal(t, 5, r.Count(migrate.StatusUnchanged))
	for _, db := range []string{"c_r1", "c_r2"} {
		assert.NotContains(t, st.IDs(db), "_design/Comment_migration")
	}
	assert.Equal(t, 0, original.CleanupStaleMigrations(ctx).Count(migrate.StatusCleaned))
}

func TestMigrateIsolatesFailures(t *testing.T) {
	st := seeded(t)
	st.Stub(memstore.Stub{
		Matcher: memstore.Matcher{Op: memstore.OpGet, Database: "org_o1"},
		Err:     constants.ErrStoreUnavailable,
	})
	r := newMigrator(t, st, registry(t, commentMap)).MigrateAllWithProxies(context.Background(), true)

	failed := r.Failed()
	require.Len(t, failed, 2)
	for _, o := range failed {
		assert.Equal(t, "org_o1", o.Target.Database)
		assert.Equal(t, "failed:store_unavailable", o.String())
		assert.True(t, o.Retryable())
	}
	assert.Equal(t, 5, r.Count(migrate.StatusCreated))
	assert.False(t, r.OK())
	assert.Contains(t, r.String(), "org_o1/_design/Repo failed:store_unavailable")
}

func TestMigrateConcurrentWorkers(t *testing.T) {
	st := seeded(t)
	m := newMigrator(t, st, registry(t, commentMap), couchmodel.WithWorkers(4))
	r := m.MigrateAllWithProxies(context.Background(), true)
	require.True(t, r.OK(), r.String())
	assert.Len(t, r.Outcomes, 7)
	assert.Equal(t, "main/_design/Org", r.Outcomes[0].Target.String(), "report keeps discovery order")
	assert.Equal(t, 7, m.MigrateAllWithProxies(context.Background(), true).Count(migrate.StatusUnchanged))
}

func TestMigrateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newMigrator(t, seeded(t), registry(t, commentMap)).MigrateAllWithProxies(ctx, true)
	assert.ErrorIs(t, r.Err, constants.ErrCanceled)
	assert.Empty(t, r.Outcomes)
	assert.False(t, r.OK())
}

func TestDestroyDatabase(t *testing.T) {
	ctx := context.Background()
	st := seeded(t)
	m := newMigrator(t, st, registry(t, commentMap))
	require.True(t, m.MigrateAllWithProxies(ctx, true).OK())

	require.NoError(t, m.DestroyDatabase(ctx, "c_r2"))
	assert.NotContains(t, st.Databases(), "c_r2")
	assert.ErrorIs(t, m.DestroyDatabase(ctx, "c_r2"), constants.ErrNotFound)

	r := m.MigrateAllWithProxies(ctx, true)
	assert.Equal(t, 1, r.Count(migrate.StatusCreated))
	assert.Equal(t, 6, r.Count(migrate.StatusUnchanged))
}

func TestDestroyDatabaseWithoutTimeout(t *testing.T) {
	ctx := context.Background()
	st := seeded(t)
	m := newMigrator(t, st, registry(t, commentMap), couchmodel.WithTimeout(0))
	require.True(t, m.MigrateAllWithProxies(ctx, true).OK())

	require.NoError(t, m.DestroyDatabase(ctx, "c_r1"))
	assert.NotContains(t, st.Databases(), "c_r1")
}

func TestNewRejectsInvalidRegistry(t *testing.T) {
	reg := model.NewRegistry()
	reg.MustRegister(&model.Model{Name: "Orphan", ProxiedBy: &model.OwnerRelation{Model: "Nobody"}})
	_, err := couchmodel.New(memstore.New(), reg)
	assert.Error(t, err)
}

func TestMigratorMetricsAndLogging(t *testing.T) {
	var buf bytes.Buffer
	logData, err := logger.Build().FromBuffer(&buf).Level("debug").Make()
	require.NoError(t, err)
	c := metrics.NewCollector()

	m := newMigrator(t, seeded(t), registry(t, commentMap),
		couchmodel.WithMetrics(c), couchmodel.WithLogger(logData.Adapter()))
	r := m.MigrateAllWithProxies(context.Background(), true)
	require.True(t, r.OK())

	assert.Equal(t, 1, testutil.CollectAndCount(c, "couchmodel_migration_outcomes_total"))
	assert.Contains(t, buf.String(), r.RunID)
	assert.Equal(t, 7, strings.Count(buf.String(), `"message":"design created"`))
}
