// Package memstore provides an in-process document store for tests and dry runs.
//
// Besides plain storage it supports stubbing: a [Stub] matches operations by
// kind, database and document id, and can inject an error, a delay or a
// callback that runs before the operation (for example a concurrent writer
// bumping a revision between a read and a conditional write).
package memstore

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/couchmodel/couchmodel.go/internal/rand"
	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/store"
)

// Op names a store operation for stub matching.
type Op string

const (
	OpGet     Op = "get"
	OpPut     Op = "put"
	OpDelete  Op = "delete"
	OpAll     Op = "all"
	OpDestroy Op = "destroy"
	OpWarm    Op = "warm"
)

// Matcher selects operations. Empty fields match anything.
type Matcher struct {
	Op       Op
	Database string
	ID       string
}

func (m Matcher) match(op Op, db, id string) bool {
	return (m.Op == "" || m.Op == op) &&
		(m.Database == "" || m.Database == db) &&
		(m.ID == "" || m.ID == id)
}

// Stub alters matching operations.
type Stub struct {
	Matcher Matcher
	// Err is returned instead of running the operation.
	Err error
	// Delay is waited before the operation, bounded by the context.
	Delay time.Duration
	// Before runs before the operation, outside the store lock.
	Before func(s *Store)
	// Times limits how often the stub fires; zero means always.
	Times int
}

type stubEntry struct {
	Stub
	fired int
}

// Store is a concurrency-safe in-memory Store.
type Store struct {
	mu      sync.RWMutex
	dbs     map[string]map[string]store.Document
	typeKey string

	stubMu sync.Mutex
	stubs  []*stubEntry
	calls  map[Op]int
	warmed []string
}

type Option func(*Store)

// WithTypeKey sets the document field naming the model type.
func WithTypeKey(key string) Option {
	return func(s *Store) { s.typeKey = key }
}

func New(opts ...Option) *Store {
	s := &Store{
		dbs:     make(map[string]map[string]store.Document),
		typeKey: constants.DefaultTypeKey,
		calls:   make(map[Op]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stub registers a stub. Stubs are consulted in registration order and the
// first match wins.
func (s *Store) Stub(st Stub) {
	s.stubMu.Lock()
	defer s.stubMu.Unlock()
	s.stubs = append(s.stubs, &stubEntry{Stub: st})
}

// ResetStubs removes every stub.
func (s *Store) ResetStubs() {
	s.stubMu.Lock()
	defer s.stubMu.Unlock()
	s.stubs = nil
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.stubMu.Lock()
	defer s.stubMu.Unlock()
	return s.calls[op]
}

// Warmed returns "db/designID/view" for every warmed view, in call order.
func (s *Store) Warmed() []string {
	s.stubMu.Lock()
	defer s.stubMu.Unlock()
	return append([]string(nil), s.warmed...)
}

func (s *Store) intercept(ctx context.Context, op Op, db, id string) error {
	s.stubMu.Lock()
	s.calls[op]++
	var hit *stubEntry
	for _, e := range s.stubs {
		if e.Times > 0 && e.fired >= e.Times {
			continue
		}
		if e.Matcher.match(op, db, id) {
			e.fired++
			hit = e
			break
		}
	}
	s.stubMu.Unlock()

	if err := ctx.Err(); err != nil {
		return store.ContextErr(string(op), err)
	}
	if hit == nil {
		return nil
	}
	if hit.Delay > 0 {
		t := time.NewTimer(hit.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return store.ContextErr(string(op), ctx.Err())
		case <-t.C:
		}
	}
	if hit.Before != nil {
		hit.Before(s)
	}
	return hit.Err
}

func (s *Store) Get(ctx context.Context, db, id string) (store.Document, error) {
	if err := s.intercept(ctx, OpGet, db, id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.dbs[db][id]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", db, id, constants.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (s *Store) Put(ctx context.Context, db, id string, doc store.Document, rev string) (string, error) {
	if err := s.intercept(ctx, OpPut, db, id); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.dbs[db]
	if !ok {
		docs = make(map[string]store.Document)
		s.dbs[db] = docs
	}
	current, exists := docs[id]
	switch {
	case exists && current.Rev() != rev:
		return "", fmt.Errorf("put %s/%s at %q, current %q: %w", db, id, rev, current.Rev(), constants.ErrConflict)
	case !exists && rev != "":
		return "", fmt.Errorf("put %s/%s at %q, document missing: %w", db, id, rev, constants.ErrConflict)
	}
	next := rand.NextRevision(rev, constants.RevisionTokenLength)
	stored := doc.Clone()
	if stored == nil {
		stored = store.Document{}
	}
	stored[constants.IDField] = id
	stored[constants.RevField] = next
	docs[id] = stored
	return next, nil
}

func (s *Store) Delete(ctx context.Context, db, id string) error {
	if err := s.intercept(ctx, OpDelete, db, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[db][id]; !ok {
		return fmt.Errorf("delete %s/%s: %w", db, id, constants.ErrNotFound)
	}
	delete(s.dbs[db], id)
	return nil
}

func (s *Store) AllInstances(ctx context.Context, db, modelType string) iter.Seq2[store.Document, error] {
	return func(yield func(store.Document, error) bool) {
		if err := s.intercept(ctx, OpAll, db, modelType); err != nil {
			yield(nil, err)
			return
		}
		s.mu.RLock()
		var matched []store.Document
		for _, doc := range s.dbs[db] {
			if t, _ := doc[s.typeKey].(string); t == modelType {
				matched = append(matched, doc.Clone())
			}
		}
		s.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool { return matched[i].ID() < matched[j].ID() })
		for _, doc := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, store.ContextErr("all", err))
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func (s *Store) DestroyDatabase(ctx context.Context, db string) error {
	if err := s.intercept(ctx, OpDestroy, db, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[db]; !ok {
		return fmt.Errorf("destroy %s: %w", db, constants.ErrNotFound)
	}
	delete(s.dbs, db)
	return nil
}

func (s *Store) WarmView(ctx context.Context, db, designID, view string) error {
	if err := s.intercept(ctx, OpWarm, db, designID); err != nil {
		return err
	}
	s.stubMu.Lock()
	s.warmed = append(s.warmed, db+"/"+designID+"/"+view)
	s.stubMu.Unlock()
	return nil
}

// Databases returns the names of all databases, sorted.
func (s *Store) Databases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IDs returns the document ids in db, sorted.
func (s *Store) IDs(db string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.dbs[db]))
	for id := range s.dbs[db] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
