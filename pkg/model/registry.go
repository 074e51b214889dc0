package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/store"
)

const (
	fieldResolverPrefix  = "field:"
	prefixResolverPrefix = "prefix:"
)

// Registry lists model types in registration order.
type Registry struct {
	mu        sync.RWMutex
	models    []*Model
	byName    map[string]*Model
	resolvers map[string]Resolver
	typeKey   string
}

type RegistryOption func(*Registry)

// WithTypeKey sets the document field holding the model type name.
func WithTypeKey(key string) RegistryOption {
	return func(r *Registry) { r.typeKey = key }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byName:    make(map[string]*Model),
		resolvers: make(map[string]Resolver),
		typeKey:   constants.DefaultTypeKey,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) TypeKey() string {
	return r.typeKey
}

// Register adds m. Names are unique.
func (r *Registry) Register(m *Model) error {
	if m == nil {
		return fmt.Errorf("nil model: %w", constants.ErrInvalidDeclaration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[m.Name]; dup {
		return fmt.Errorf("%s: %w", m.Name, constants.ErrDuplicateModel)
	}
	r.models = append(r.models, m)
	r.byName[m.Name] = m
	return nil
}

// MustRegister is Register for package initialization; it panics on error.
func (r *Registry) MustRegister(models ...*Model) {
	for _, m := range models {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// RegisterResolver makes fn available to relations naming it.
func (r *Registry) RegisterResolver(name string, fn Resolver) error {
	if name == "" || fn == nil {
		return fmt.Errorf("resolver %q: %w", name, constants.ErrInvalidDeclaration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[name] = fn
	return nil
}

// Models returns the registered models in registration order.
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Model(nil), r.models...)
}

func (r *Registry) Lookup(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// ResolverFor returns the function resolving rel's database. Besides
// registered names it understands "field:<name>", reading the database name
// from an instance field, and "prefix:<p>", naming the database <p><id>.
func (r *Registry) ResolverFor(rel ProxyRelation) (Resolver, error) {
	if rel.Resolve != nil {
		return rel.Resolve, nil
	}
	name := rel.MethodName()
	r.mu.RLock()
	fn, ok := r.resolvers[name]
	r.mu.RUnlock()
	if ok {
		return fn, nil
	}
	switch {
	case strings.HasPrefix(name, fieldResolverPrefix) && len(name) > len(fieldResolverPrefix):
		return FieldResolver(strings.TrimPrefix(name, fieldResolverPrefix)), nil
	case strings.HasPrefix(name, prefixResolverPrefix):
		return PrefixResolver(strings.TrimPrefix(name, prefixResolverPrefix)), nil
	}
	return nil, fmt.Errorf("%s: %w", name, constants.ErrUnknownResolver)
}

// FieldResolver reads the database name from field of the instance.
func FieldResolver(field string) Resolver {
	return func(_ context.Context, instance store.Document) (string, error) {
		db, _ := instance[field].(string)
		if db == "" {
			return "", fmt.Errorf("instance %s has no database in field %q: %w",
				instance.ID(), field, constants.ErrInvalidDeclaration)
		}
		return db, nil
	}
}

// PrefixResolver names the database by prefixing the instance id.
func PrefixResolver(prefix string) Resolver {
	return func(_ context.Context, instance store.Document) (string, error) {
		id := instance.ID()
		if id == "" {
			return "", fmt.Errorf("instance without id: %w", constants.ErrInvalidDeclaration)
		}
		return prefix + id, nil
	}
}

// Validate checks every model and the proxy graph: relations point at
// registered models, both ends of a relation agree, resolvers exist and no
// model reaches itself through proxy relations. All problems are joined.
func (r *Registry) Validate() error {
	models := r.Models()
	var errs []error
	for _, m := range models {
		if err := m.validate(); err != nil {
			errs = append(errs, err)
		}
		if m.ProxiedBy != nil {
			owner, ok := r.Lookup(m.ProxiedBy.Model)
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("%s proxied by %s: %w", m.Name, m.ProxiedBy.Model, constants.ErrUnknownModel))
			case !proxies(owner, m.Name):
				errs = append(errs, fmt.Errorf("%s proxied by %s, which does not proxy for it: %w",
					m.Name, owner.Name, constants.ErrInvalidDeclaration))
			}
		}
		for _, rel := range m.Proxies {
			nested, ok := r.Lookup(rel.Model)
			if !ok {
				errs = append(errs, fmt.Errorf("%s proxies for %s: %w", m.Name, rel.Model, constants.ErrUnknownModel))
				continue
			}
			if nested.ProxiedBy == nil || nested.ProxiedBy.Model != m.Name {
				errs = append(errs, fmt.Errorf("%s proxies for %s, which is not proxied by it: %w",
					m.Name, nested.Name, constants.ErrInvalidDeclaration))
			}
			if _, err := r.ResolverFor(rel); err != nil {
				errs = append(errs, fmt.Errorf("%s proxies for %s: %w", m.Name, nested.Name, err))
			}
		}
	}
	if err := r.checkAcyclic(models); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func proxies(owner *Model, nested string) bool {
	for _, rel := range owner.Proxies {
		if rel.Model == nested {
			return true
		}
	}
	return false
}

func (r *Registry) checkAcyclic(models []*Model) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(models))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("proxy cycle %s -> %s: %w",
				strings.Join(path, " -> "), name, constants.ErrProxyCycleSuspected)
		case done:
			return nil
		}
		state[name] = visiting
		if m, ok := r.Lookup(name); ok {
			for _, rel := range m.Proxies {
				if err := visit(rel.Model, append(path, name)); err != nil {
					return err
				}
			}
		}
		state[name] = done
		return nil
	}
	for _, m := range models {
		if err := visit(m.Name, nil); err != nil {
			return err
		}
	}
	return nil
}
