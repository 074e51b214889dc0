// Package pebblestore is an embedded Store backed by a Pebble key-value
// database. Documents are CBOR-encoded under "d\x00<db>\x00<id>"; a marker key
// "m\x00<db>" records that a database exists.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/couchmodel/couchmodel.go/internal/codec"
	"github.com/couchmodel/couchmodel.go/internal/rand"
	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/store"
)

const sep = 0x00

type Store struct {
	db      *pebble.DB
	codec   codec.Codec
	typeKey string
	// serializes read-compare-write of conditional puts and deletes
	mu sync.Mutex
}

type config struct {
	fs      vfs.FS
	typeKey string
}

type Option func(*config)

// WithFS opens the database on fs instead of the OS filesystem.
func WithFS(fs vfs.FS) Option {
	return func(c *config) { c.fs = fs }
}

func WithTypeKey(key string) Option {
	return func(c *config) { c.typeKey = key }
}

// Open opens or creates the database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	cfg := config{typeKey: constants.DefaultTypeKey}
	for _, o := range opts {
		o(&cfg)
	}
	cb, err := codec.CBOR()
	if err != nil {
		return nil, err
	}
	po := &pebble.Options{}
	if cfg.fs != nil {
		po.FS = cfg.fs
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &Store{db: db, codec: cb, typeKey: cfg.typeKey}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func markerKey(db string) []byte {
	return append([]byte{'m', sep}, db...)
}

func dbPrefix(db string) []byte {
	k := make([]byte, 0, len(db)+3)
	k = append(k, 'd', sep)
	k = append(k, db...)
	return append(k, sep)
}

// dbUpper is the exclusive upper bound of every key under dbPrefix(db).
func dbUpper(db string) []byte {
	k := dbPrefix(db)
	k[len(k)-1] = sep + 1
	return k
}

func docKey(db, id string) []byte {
	return append(dbPrefix(db), id...)
}

func (s *Store) read(db, id string) (store.Document, error) {
	v, closer, err := s.db.Get(docKey(db, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("get %s/%s: %w", db, id, constants.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w: %w", db, id, constants.ErrStoreUnavailable, err)
	}
	defer closer.Close()
	return s.decode(id, v)
}

func (s *Store) decode(id string, v []byte) (store.Document, error) {
	var doc store.Document
	if err := s.codec.Unmarshal(v, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	if doc == nil {
		doc = store.Document{}
	}
	doc[constants.IDField] = id
	return doc, nil
}

func (s *Store) Get(ctx context.Context, db, id string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.ContextErr("get", err)
	}
	return s.read(db, id)
}

func (s *Store) Put(ctx context.Context, db, id string, doc store.Document, rev string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", store.ContextErr("put", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(db, id)
	switch {
	case store.NotFound(err):
		if rev != "" {
			return "", fmt.Errorf("put %s/%s at %q, document missing: %w", db, id, rev, constants.ErrConflict)
		}
	case err != nil:
		return "", err
	case current.Rev() != rev:
		return "", fmt.Errorf("put %s/%s at %q, current %q: %w", db, id, rev, current.Rev(), constants.ErrConflict)
	}

	next := rand.NextRevision(rev, constants.RevisionTokenLength)
	body := doc.Clone()
	if body == nil {
		body = store.Document{}
	}
	delete(body, constants.IDField)
	body[constants.RevField] = next
	v, err := s.codec.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode %s/%s: %w", db, id, err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(markerKey(db), nil, nil); err != nil {
		return "", err
	}
	if err := b.Set(docKey(db, id), v, nil); err != nil {
		return "", err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("put %s/%s: %w: %w", db, id, constants.ErrStoreUnavailable, err)
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, db, id string) error {
	if err := ctx.Err(); err != nil {
		return store.ContextErr("delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.read(db, id); err != nil {
		return err
	}
	if err := s.db.Delete(docKey(db, id), pebble.Sync); err != nil {
		return fmt.Errorf("delete %s/%s: %w: %w", db, id, constants.ErrStoreUnavailable, err)
	}
	return nil
}

// AllInstances scans db in key order. The scan sees a consistent snapshot
// taken when iteration starts.
func (s *Store) AllInstances(ctx context.Context, db, modelType string) iter.Seq2[store.Document, error] {
	return func(yield func(store.Document, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, store.ContextErr("all", err))
			return
		}
		prefix := dbPrefix(db)
		it, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: dbUpper(db),
		})
		if err != nil {
			yield(nil, fmt.Errorf("scan %s: %w: %w", db, constants.ErrStoreUnavailable, err))
			return
		}
		defer it.Close()

		for ok := it.First(); ok; ok = it.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, store.ContextErr("all", err))
				return
			}
			id := string(it.Key()[len(prefix):])
			doc, err := s.decode(id, it.Value())
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if t, _ := doc[s.typeKey].(string); t != modelType {
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(nil, fmt.Errorf("scan %s: %w: %w", db, constants.ErrStoreUnavailable, err))
		}
	}
}

func (s *Store) DestroyDatabase(ctx context.Context, db string) error {
	if err := ctx.Err(); err != nil {
		return store.ContextErr("destroy", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(markerKey(db))
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("destroy %s: %w", db, constants.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("destroy %s: %w: %w", db, constants.ErrStoreUnavailable, err)
	}
	closer.Close()

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(markerKey(db), nil); err != nil {
		return err
	}
	if err := b.DeleteRange(dbPrefix(db), dbUpper(db), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("destroy %s: %w: %w", db, constants.ErrStoreUnavailable, err)
	}
	return nil
}
