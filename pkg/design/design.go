// Package design models CouchDB design documents as declared by model types
// and as stored in a database.
//
// A [Document] carries its canonical digest (see package canon). Migration
// decisions compare digests only; revisions are used for optimistic
// concurrency and structural equality is never consulted.
package design

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/couchmodel/couchmodel.go/pkg/canon"
	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/store"
)

// View is one map/reduce index definition.
type View struct {
	Map     string         `yaml:"map"`
	Reduce  string         `yaml:"reduce,omitempty"`
	Options map[string]any `yaml:"options,omitempty"`
}

// Declaration is the compile-time index set of one design of a model.
// Name is empty for the model's default design.
type Declaration struct {
	Name              string            `yaml:"name,omitempty"`
	Language          string            `yaml:"language,omitempty"`
	Views             map[string]View   `yaml:"views"`
	Filters           map[string]string `yaml:"filters,omitempty"`
	ValidateDocUpdate string            `yaml:"validate_doc_update,omitempty"`
	Options           map[string]any    `yaml:"options,omitempty"`
	AutoUpdate        *bool             `yaml:"auto_update,omitempty"`
}

// Validate reports declarations that cannot produce a usable design.
func (decl Declaration) Validate() error {
	if strings.ContainsAny(decl.Name, "/ ") {
		return fmt.Errorf("design name %q: %w", decl.Name, constants.ErrInvalidDeclaration)
	}
	if len(decl.Views) == 0 && len(decl.Filters) == 0 && decl.ValidateDocUpdate == "" {
		return fmt.Errorf("design %q declares nothing: %w", decl.Name, constants.ErrInvalidDeclaration)
	}
	for name, v := range decl.Views {
		if name == "" || strings.TrimSpace(v.Map) == "" {
			return fmt.Errorf("design %q view %q has no map function: %w", decl.Name, name, constants.ErrInvalidDeclaration)
		}
	}
	return nil
}

// ID returns the design document id of a model's design.
func ID(model, name string) string {
	if name == "" {
		return constants.DesignPrefix + model
	}
	return constants.DesignPrefix + model + "_" + name
}

// ShadowID returns the id a migration of the design id is staged under.
func ShadowID(id string) string {
	return id + constants.MigrationSuffix
}

// IsShadowID reports whether id names a staged migration.
func IsShadowID(id string) bool {
	return strings.HasPrefix(id, constants.DesignPrefix) && strings.HasSuffix(id, constants.MigrationSuffix)
}

// Document is a design document with its digest.
type Document struct {
	ID     string
	Rev    string
	Digest canon.Digest
	// Stale is set for stored documents that carried no digest; the digest
	// was recomputed and must not be trusted to skip a migration.
	Stale bool

	content map[string]any
}

// Declare builds the design document a model declares. The digest is computed
// from the declared content.
func Declare(model string, decl Declaration) *Document {
	lang := decl.Language
	if lang == "" {
		lang = constants.DefaultLanguage
	}
	content := map[string]any{"language": lang}

	views := make(map[string]any, len(decl.Views))
	for name, v := range decl.Views {
		vm := map[string]any{"map": v.Map}
		if v.Reduce != "" {
			vm["reduce"] = v.Reduce
		}
		if len(v.Options) > 0 {
			vm["options"] = map[string]any(store.Document(v.Options).Clone())
		}
		views[name] = vm
	}
	content["views"] = views

	if len(decl.Filters) > 0 {
		filters := make(map[string]any, len(decl.Filters))
		for name, fn := range decl.Filters {
			filters[name] = fn
		}
		content["filters"] = filters
	}
	if decl.ValidateDocUpdate != "" {
		content["validate_doc_update"] = decl.ValidateDocUpdate
	}
	if len(decl.Options) > 0 {
		content["options"] = map[string]any(store.Document(decl.Options).Clone())
	}
	if decl.AutoUpdate != nil {
		content["auto_update"] = *decl.AutoUpdate
	}

	d := &Document{ID: ID(model, decl.Name), content: content}
	d.Refresh()
	return d
}

// FromStored converts a stored document. The digest is taken from the stored
// digest field when present; otherwise it is recomputed and Stale is set.
func FromStored(doc store.Document) *Document {
	d := &Document{
		ID:      doc.ID(),
		Rev:     doc.Rev(),
		content: make(map[string]any, len(doc)),
	}
	for k, v := range doc {
		switch k {
		case constants.IDField, constants.RevField, constants.DigestField:
			continue
		}
		d.content[k] = v
	}
	if s, ok := doc[constants.DigestField].(string); ok && s != "" {
		d.Digest = canon.Digest(s)
	} else {
		d.Digest = canon.Sum(d.content)
		d.Stale = true
	}
	return d
}

// Refresh recomputes the digest from the current content.
func (d *Document) Refresh() canon.Digest {
	d.Digest = canon.Sum(d.content)
	d.Stale = false
	return d.Digest
}

// Matches reports digest equality, the only equality used for migration.
func (d *Document) Matches(other *Document) bool {
	if d == nil || other == nil {
		return false
	}
	return !d.Stale && !other.Stale && d.Digest == other.Digest
}

// Content returns a copy of the content fields, without identity fields.
func (d *Document) Content() map[string]any {
	return map[string]any(store.Document(d.content).Clone())
}

// ViewNames returns the names of the declared views, sorted.
func (d *Document) ViewNames() []string {
	views, _ := d.content["views"].(map[string]any)
	names := make([]string, 0, len(views))
	for name := range views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.content = d.Content()
	return &c
}

// WithID returns a copy of d under id with no revision, as used for shadows.
func (d *Document) WithID(id string) *Document {
	c := d.Clone()
	c.ID = id
	c.Rev = ""
	return c
}

// ToStore returns the persisted form: content, identity and digest.
func (d *Document) ToStore() store.Document {
	out := store.Document(d.content).Clone()
	if out == nil {
		out = store.Document{}
	}
	out[constants.IDField] = d.ID
	if d.Rev != "" {
		out[constants.RevField] = d.Rev
	}
	out[constants.DigestField] = string(d.Digest)
	return out
}

// LoadStored fetches the design document id from db. A missing document is
// returned as an error wrapping constants.ErrNotFound.
func LoadStored(ctx context.Context, st store.Store, db, id string) (*Document, error) {
	doc, err := st.Get(ctx, db, id)
	if err != nil {
		return nil, err
	}
	return FromStored(doc), nil
}

// Persist writes d to db, conditional on d.Rev. The digest is recomputed
// first. On success d.Rev holds the new revision. A revision mismatch is
// returned as constants.ErrConflict; callers reload and compare again before
// retrying.
func Persist(ctx context.Context, st store.Store, db string, d *Document) (string, error) {
	d.Refresh()
	rev, err := st.Put(ctx, db, d.ID, d.ToStore(), d.Rev)
	if err != nil {
		return "", fmt.Errorf("persist %s in %s: %w", d.ID, db, err)
	}
	d.Rev = rev
	return rev, nil
}
