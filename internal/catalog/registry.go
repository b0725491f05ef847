// Package catalog maps command names to factories so commands can be
// submitted by name from the API or CLI.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/cmdq/internal/command"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidArgs    = errors.New("invalid command arguments")
)

// Factory builds a fresh command from JSON arguments. Each call must return
// a new instance since commands carry their own undo state.
type Factory func(args json.RawMessage) (command.Command, error)

// Registry holds command factories indexed by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("command name is empty")
	}
	if f == nil {
		return fmt.Errorf("command %q: factory is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Build creates the named command.
func (r *Registry) Build(name string, args json.RawMessage) (command.Command, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return f(args)
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
