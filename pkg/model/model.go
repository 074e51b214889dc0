// Package model is the explicit registry of model types and their database
// topology.
//
// A model is either a root model bound to a fixed database or proxy-owned,
// in which case its database is resolved per instance of its owner. A model
// proxying for nested model types declares one [ProxyRelation] per nested
// type; the relation names the resolver that maps an owner instance to the
// nested model's database. Proxy relations must form an acyclic graph, which
// [Registry.Validate] checks.
package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/design"
	"github.com/couchmodel/couchmodel.go/pkg/store"
)

// Resolver maps an owner instance to the database of a proxied model.
type Resolver func(ctx context.Context, instance store.Document) (string, error)

// DefaultResolverName is used by relations that do not name a resolver.
const DefaultResolverName = "proxy_database"

// OwnerRelation names the model owning a proxy-owned model.
type OwnerRelation struct {
	Model  string `yaml:"model"`
	Method string `yaml:"method,omitempty"`
}

// ProxyRelation declares that instances of the declaring model own a
// database holding documents of Model.
type ProxyRelation struct {
	Model  string `yaml:"model"`
	Method string `yaml:"method,omitempty"`
	// Resolve takes precedence over a resolver looked up by Method.
	Resolve Resolver `yaml:"-"`
}

// MethodName returns the resolver name, defaulting to DefaultResolverName.
func (p ProxyRelation) MethodName() string {
	if p.Method == "" {
		return DefaultResolverName
	}
	return p.Method
}

type Model struct {
	Name     string
	Database string
	Designs  []design.Declaration

	ProxiedBy *OwnerRelation
	Proxies   []ProxyRelation

	// NoAllView suppresses the generated "all" view of the default design.
	NoAllView bool
}

func (m *Model) IsProxyOwned() bool {
	return m.ProxiedBy != nil
}

func (m *Model) IsProxying() bool {
	return len(m.Proxies) > 0
}

// BoundDatabase returns the fixed database of a root model, or "".
func (m *Model) BoundDatabase() string {
	if m.IsProxyOwned() {
		return ""
	}
	return m.Database
}

// DeclaredDesigns returns the design documents the model declares. The
// default design gets the generated "all" view unless it declares one itself
// or NoAllView is set; a model without designs gets a default design holding
// only that view.
func (m *Model) DeclaredDesigns(typeKey string) []*design.Document {
	decls := m.Designs
	if len(decls) == 0 && !m.NoAllView {
		decls = []design.Declaration{{}}
	}
	out := make([]*design.Document, 0, len(decls))
	for _, decl := range decls {
		if decl.Name == "" && !m.NoAllView {
			if _, ok := decl.Views[design.AllViewName]; !ok {
				views := make(map[string]design.View, len(decl.Views)+1)
				for k, v := range decl.Views {
					views[k] = v
				}
				views[design.AllViewName] = design.AllView(typeKey, m.Name)
				decl.Views = views
			}
		}
		out = append(out, design.Declare(m.Name, decl))
	}
	return out
}

func (m *Model) validate() error {
	if m.Name == "" || strings.ContainsAny(m.Name, "/ ") {
		return fmt.Errorf("model name %q: %w", m.Name, constants.ErrInvalidDeclaration)
	}
	if m.IsProxyOwned() && m.Database != "" {
		return fmt.Errorf("model %s is proxy-owned by %s and bound to %s: %w",
			m.Name, m.ProxiedBy.Model, m.Database, constants.ErrInvalidDeclaration)
	}
	seen := make(map[string]struct{}, len(m.Designs))
	for _, decl := range m.Designs {
		if _, dup := seen[decl.Name]; dup {
			return fmt.Errorf("model %s declares design %q twice: %w", m.Name, decl.Name, constants.ErrInvalidDeclaration)
		}
		seen[decl.Name] = struct{}{}
		if decl.Name == "" && !m.NoAllView && len(decl.Views) == 0 {
			continue
		}
		if err := decl.Validate(); err != nil {
			return fmt.Errorf("model %s: %w", m.Name, err)
		}
	}
	return nil
}
