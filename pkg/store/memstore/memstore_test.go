package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/store"
	"github.com/couchmodel/couchmodel.go/pkg/store/memstore"
	"github.com/couchmodel/couchmodel.go/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	suite.Run(t, &storetest.Suite{New: func() store.Store { return memstore.New() }})
}

func TestStubError(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	s.Stub(memstore.Stub{
		Matcher: memstore.Matcher{Op: memstore.OpGet, Database: "down"},
		Err:     constants.ErrStoreUnavailable,
		Times:   1,
	})

	_, err := s.Get(ctx, "down", "x")
	assert.True(t, errors.Is(err, constants.ErrStoreUnavailable))

	_, err = s.Get(ctx, "down", "x")
	assert.True(t, errors.Is(err, constants.ErrNotFound), "stub should fire once, got %v", err)
	assert.Equal(t, 2, s.Calls(memstore.OpGet))
}

func TestStubDelayHonorsDeadline(t *testing.T) {
	s := memstore.New()
	s.Stub(memstore.Stub{Matcher: memstore.Matcher{Op: memstore.OpPut}, Delay: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Put(ctx, "db", "a", store.Document{}, "")
	assert.True(t, errors.Is(err, constants.ErrTimeout), "got %v", err)
}

func TestStubBeforeRunsConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	rev, err := s.Put(ctx, "db", "a", store.Document{}, "")
	require.NoError(t, err)

	s.Stub(memstore.Stub{
		Matcher: memstore.Matcher{Op: memstore.OpPut, ID: "a"},
		Times:   1,
		Before: func(s *memstore.Store) {
			_, err := s.Put(ctx, "db", "a", store.Document{"by": "other"}, rev)
			require.NoError(t, err)
		},
	})

	_, err = s.Put(ctx, "db", "a", store.Document{"by": "me"}, rev)
	assert.True(t, errors.Is(err, constants.ErrConflict), "got %v", err)
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	_, err := s.Put(ctx, "db", "a", store.Document{"views": map[string]any{"all": "x"}}, "")
	require.NoError(t, err)

	doc, err := s.Get(ctx, "db", "a")
	require.NoError(t, err)
	doc["views"].(map[string]any)["all"] = "mutated"

	again, err := s.Get(ctx, "db", "a")
	require.NoError(t, err)
	assert.Equal(t, "x", again["views"].(map[string]any)["all"])
}

func TestIntrospection(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	_, err := s.Put(ctx, "b", "2", store.Document{}, "")
	require.NoError(t, err)
	_, err = s.Put(ctx, "a", "1", store.Document{}, "")
	require.NoError(t, err)
	require.NoError(t, s.WarmView(ctx, "a", "_design/X", "all"))

	assert.Equal(t, []string{"a", "b"}, s.Databases())
	assert.Equal(t, []string{"1"}, s.IDs("a"))
	assert.Equal(t, []string{"a/_design/X/all"}, s.Warmed())
}
