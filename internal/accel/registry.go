package accel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/savid/hwpipe/internal/types"
)

// Factory creates a device for detected hardware.
type Factory func(info types.HardwareInfo) (Device, error)

// Registry maps hardware types to device factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.HardwareType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.HardwareType]Factory)}
}

// Register adds the factory for a hardware type.
func (r *Registry) Register(t types.HardwareType, f Factory) error {
	if !t.Valid() || t == types.HardwareAuto {
		return fmt.Errorf("%w: cannot register hardware type %q", types.ErrInvalidConfig, t)
	}
	if f == nil {
		return fmt.Errorf("%w: nil factory for %q", types.ErrInvalidConfig, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("%w: hardware type %q already registered", types.ErrInvalidState, t)
	}
	r.factories[t] = f
	return nil
}

// Has reports whether a factory is registered for t.
func (r *Registry) Has(t types.HardwareType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[t]
	return ok
}

// Create builds a device for the given hardware.
func (r *Registry) Create(info types.HardwareInfo) (Device, error) {
	r.mu.RLock()
	f, ok := r.factories[info.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no backend for hardware %q", types.ErrUnsupported, info.Type)
	}
	dev, err := f(info)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s device: %w", info.Type, err)
	}
	return dev, nil
}

// Types returns the registered hardware types in a stable order.
func (r *Registry) Types() []types.HardwareType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.HardwareType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
