package rm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const managersKey = "resource_managers"

// ErrNotFound indicates a resource manager name with no descriptor.
var ErrNotFound = errors.New("rm: resource manager not found")

// Store is the slice of the state store the registry reads from.
type Store interface {
	HashGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Registry reads resource manager descriptors from the state store. The
// broker never writes them; registration is an external concern.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// All returns a snapshot of every registered resource manager keyed by name.
// Iteration order of the snapshot is undefined.
func (r *Registry) All(ctx context.Context) (map[string]Descriptor, error) {
	raw, err := r.store.HashGetAll(ctx, managersKey)
	if err != nil {
		return nil, fmt.Errorf("listing resource managers: %w", err)
	}
	managers := make(map[string]Descriptor, len(raw))
	for name, val := range raw {
		var d Descriptor
		if err := json.Unmarshal([]byte(val), &d); err != nil {
			return nil, fmt.Errorf("decoding resource manager %q: %w", name, err)
		}
		if d.Name == "" {
			d.Name = name
		}
		managers[name] = d
	}
	return managers, nil
}

// Get returns one resource manager descriptor by name.
func (r *Registry) Get(ctx context.Context, name string) (*Descriptor, error) {
	val, ok, err := r.store.HashGet(ctx, managersKey, name)
	if err != nil {
		return nil, fmt.Errorf("reading resource manager %q: %w", name, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var d Descriptor
	if err := json.Unmarshal(val, &d); err != nil {
		return nil, fmt.Errorf("decoding resource manager %q: %w", name, err)
	}
	if d.Name == "" {
		d.Name = name
	}
	return &d, nil
}
