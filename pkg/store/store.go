// Package store defines the narrow document store surface the design
// synchronization engine consumes, and shared helpers for backends.
//
// Backends:
//   - [github.com/couchmodel/couchmodel.go/pkg/store/memstore]: in-process store with failure injection, used by tests
//   - [github.com/couchmodel/couchmodel.go/pkg/store/pebblestore]: embedded on-disk store
//   - [github.com/couchmodel/couchmodel.go/pkg/store/couchhttp]: CouchDB REST API
//
// Every method takes a context; backends must honor its deadline and report
// an expired deadline as [constants.ErrTimeout].
package store

import (
	"context"
	"iter"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
)

// Document is an untyped JSON-shaped document.
type Document map[string]any

// ID returns the document's _id, or "".
func (d Document) ID() string {
	s, _ := d[constants.IDField].(string)
	return s
}

// Rev returns the document's _rev, or "".
func (d Document) Rev() string {
	s, _ := d[constants.RevField].(string)
	return s
}

// Clone returns a deep copy of d. Nested maps and slices are copied,
// scalar values are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case Document:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}

// Store is the document store consumed by the planner and traversal engine.
type Store interface {
	// Get returns the document or an error wrapping constants.ErrNotFound.
	Get(ctx context.Context, db, id string) (Document, error)
	// Put writes doc under id. rev is the expected current revision, empty
	// when the document must not exist yet. A mismatch returns an error
	// wrapping constants.ErrConflict. The new revision is returned.
	Put(ctx context.Context, db, id string, doc Document, rev string) (string, error)
	// Delete removes the document, or returns constants.ErrNotFound.
	Delete(ctx context.Context, db, id string) error
	// AllInstances lazily yields every document of the given model type.
	AllInstances(ctx context.Context, db, modelType string) iter.Seq2[Document, error]
	// DestroyDatabase drops the database and everything in it.
	DestroyDatabase(ctx context.Context, db string) error
}

// Warmer is implemented by stores that can build a view index ahead of use.
type Warmer interface {
	WarmView(ctx context.Context, db, designID, view string) error
}
