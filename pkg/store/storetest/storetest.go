// Package storetest holds the conformance suite every store backend runs.
package storetest

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/store"
)

// Suite exercises a fresh store returned by New for every test. Backends
// embed it in their own test file and call suite.Run.
type Suite struct {
	suite.Suite

	New   func() store.Store
	store store.Store
	ctx   context.Context
}

func (s *Suite) SetupTest() {
	s.store = s.New()
	s.ctx = context.Background()
}

func (s *Suite) TearDownTest() {
	if c, ok := s.store.(interface{ Close() error }); ok {
		s.Require().NoError(c.Close())
	}
}

func (s *Suite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, "shop", "_design/Invoice")
	s.Require().Error(err)
	s.True(errors.Is(err, constants.ErrNotFound), "got %v", err)
}

func (s *Suite) TestPutCreateAndGet() {
	rev, err := s.store.Put(s.ctx, "shop", "_design/Invoice", store.Document{
		"language": "javascript",
		"views":    map[string]any{"all": map[string]any{"map": "function(doc){}"}},
	}, "")
	s.Require().NoError(err)
	s.NotEmpty(rev)

	doc, err := s.store.Get(s.ctx, "shop", "_design/Invoice")
	s.Require().NoError(err)
	s.Equal("_design/Invoice", doc.ID())
	s.Equal(rev, doc.Rev())
	views, ok := doc["views"].(map[string]any)
	s.Require().True(ok, "views decoded as %T", doc["views"])
	s.Contains(views, "all")
}

func (s *Suite) TestPutConflicts() {
	rev, err := s.store.Put(s.ctx, "shop", "a", store.Document{"n": "1"}, "")
	s.Require().NoError(err)

	_, err = s.store.Put(s.ctx, "shop", "a", store.Document{"n": "2"}, "")
	s.True(errors.Is(err, constants.ErrConflict), "create over existing: %v", err)

	_, err = s.store.Put(s.ctx, "shop", "a", store.Document{"n": "2"}, "1-bogus")
	s.True(errors.Is(err, constants.ErrConflict), "stale rev: %v", err)

	_, err = s.store.Put(s.ctx, "shop", "missing", store.Document{"n": "2"}, rev)
	s.True(errors.Is(err, constants.ErrConflict), "rev on missing doc: %v", err)

	next, err := s.store.Put(s.ctx, "shop", "a", store.Document{"n": "2"}, rev)
	s.Require().NoError(err)
	s.NotEqual(rev, next)

	doc, err := s.store.Get(s.ctx, "shop", "a")
	s.Require().NoError(err)
	s.Equal("2", doc["n"])
}

func (s *Suite) TestDelete() {
	_, err := s.store.Put(s.ctx, "shop", "a", store.Document{}, "")
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(s.ctx, "shop", "a"))
	_, err = s.store.Get(s.ctx, "shop", "a")
	s.True(errors.Is(err, constants.ErrNotFound))

	err = s.store.Delete(s.ctx, "shop", "a")
	s.True(errors.Is(err, constants.ErrNotFound), "second delete: %v", err)
}

func (s *Suite) TestDeleteThenRecreate() {
	_, err := s.store.Put(s.ctx, "shop", "a", store.Document{}, "")
	s.Require().NoError(err)
	s.Require().NoError(s.store.Delete(s.ctx, "shop", "a"))

	_, err = s.store.Put(s.ctx, "shop", "a", store.Document{"again": true}, "")
	s.Require().NoError(err)
}

func (s *Suite) TestAllInstances() {
	for _, d := range []struct{ id, kind string }{
		{"c2", "Company"}, {"c1", "Company"}, {"i1", "Invoice"},
	} {
		_, err := s.store.Put(s.ctx, "shop", d.id, store.Document{constants.DefaultTypeKey: d.kind}, "")
		s.Require().NoError(err)
	}
	_, err := s.store.Put(s.ctx, "other", "c3", store.Document{constants.DefaultTypeKey: "Company"}, "")
	s.Require().NoError(err)

	var ids []string
	for doc, err := range s.store.AllInstances(s.ctx, "shop", "Company") {
		s.Require().NoError(err)
		ids = append(ids, doc.ID())
	}
	s.ElementsMatch([]string{"c1", "c2"}, ids)

	seen := 0
	for _, err := range s.store.AllInstances(s.ctx, "shop", "Company") {
		s.Require().NoError(err)
		seen++
		break
	}
	s.Equal(1, seen)
}

func (s *Suite) TestDestroyDatabase() {
	_, err := s.store.Put(s.ctx, "tenant_a", "a", store.Document{}, "")
	s.Require().NoError(err)
	_, err = s.store.Put(s.ctx, "tenant_ab", "a", store.Document{}, "")
	s.Require().NoError(err)

	s.Require().NoError(s.store.DestroyDatabase(s.ctx, "tenant_a"))
	_, err = s.store.Get(s.ctx, "tenant_a", "a")
	s.True(errors.Is(err, constants.ErrNotFound))

	_, err = s.store.Get(s.ctx, "tenant_ab", "a")
	s.NoError(err, "destroying a database must not touch databases sharing its prefix")
}

func (s *Suite) TestExpiredDeadline() {
	ctx, cancel := context.WithDeadline(s.ctx, time.Now().Add(-time.Second))
	defer cancel()

	_, err := s.store.Get(ctx, "shop", "a")
	s.Require().Error(err)
	s.True(errors.Is(err, constants.ErrTimeout), "got %v", err)
}
