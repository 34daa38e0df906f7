package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Strob0t/auditrt/internal/domain"
)

// ErrUnknownKind is returned when no factory is registered for a kind.
var ErrUnknownKind = fmt.Errorf("unknown task kind: %w", domain.ErrNotFound)

// Registry maps task kinds to worker factories. Kinds are registered at
// startup and resolved when tasks are built.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return errors.Join(domain.ErrValidation, errors.New("kind and factory are required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("task kind %q: %w", kind, domain.ErrConflict)
	}
	r.factories[kind] = f
	return nil
}

// Factory returns the factory for kind.
func (r *Registry) Factory(kind string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f, nil
}

// New builds a pending task of kind. It fails fast on unknown kinds.
func (r *Registry) New(id, kind string, payload map[string]any, deps ...string) (*Task, error) {
	f, err := r.Factory(kind)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:           id,
		Kind:         kind,
		Factory:      f,
		Payload:      payload,
		Priority:     PriorityNormal,
		Dependencies: deps,
		Status:       StatusPending,
	}, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
