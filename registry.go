package baton

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the registered saga definitions. It is an explicit object
// injected into the supervisor, never package-level state. With a store
// attached, mutations write through to it and Load warms the registry
// after a restart; with a nil store the registry is purely in-memory.
type Registry struct {
	defs  *xsync.MapOf[string, *Definition]
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		defs:  xsync.NewMapOf[string, *Definition](),
		store: store,
	}
}

// Load warms the registry from the attached store. Stored definitions are
// re-validated, so a hand-edited record cannot smuggle in a cycle.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	defs, err := r.store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
		r.defs.Store(def.Name, def)
	}
	return nil
}

// Register validates and adds a new definition. Registering a name that
// already exists fails; use Replace to upsert.
func (r *Registry) Register(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, loaded := r.defs.LoadOrStore(def.Name, def); loaded {
		return fmt.Errorf("%w: %s", ErrDefinitionExists, def.Name)
	}
	if r.store != nil {
		if err := r.store.SaveDefinition(ctx, def); err != nil {
			r.defs.Delete(def.Name)
			return err
		}
	}
	return nil
}

// Replace validates and upserts a definition.
func (r *Registry) Replace(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.SaveDefinition(ctx, def); err != nil {
			return err
		}
	}
	r.defs.Store(def.Name, def)
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*Definition, error) {
	def, ok := r.defs.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	return def, nil
}

// List returns the registered definitions sorted by name.
func (r *Registry) List() []*Definition {
	var defs []*Definition
	r.defs.Range(func(_ string, def *Definition) bool {
		defs = append(defs, def)
		return true
	})
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Remove deletes a definition from the registry and the store. In-flight
// executions keep their own reference to the definition, so removal never
// disturbs a running saga.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.defs.Delete(name)
	if r.store != nil {
		return r.store.DeleteDefinition(ctx, name)
	}
	return nil
}
