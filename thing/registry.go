package thing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrThingNotFound is returned when no thing is registered at a path.
	ErrThingNotFound = errors.New("thing not found")
	// ErrActionNotFound is returned when a thing has no action with the requested name.
	ErrActionNotFound = errors.New("action not found")
	// ErrDuplicateThing is returned when a path is registered twice.
	ErrDuplicateThing = errors.New("thing already registered")
)

// Description lists a thing and the names of its actions.
type Description struct {
	Path    string   `json:"path"`
	Actions []string `json:"actions"`
}

// Registry maps paths to things. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	things map[string]*entry
	order  []string
}

type entry struct {
	thing   Thing
	actions map[string]Action
	names   []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		things: make(map[string]*entry),
	}
}

// NormalizePath returns path with a leading and a trailing slash.
func NormalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

// Add registers t at path. The path is normalized with NormalizePath.
func (r *Registry) Add(path string, t Thing) error {
	path = NormalizePath(path)
	if path == "/" {
		return fmt.Errorf("thing path cannot be empty")
	}

	e := &entry{
		thing:   t,
		actions: make(map[string]Action),
	}
	for _, a := range t.Actions() {
		name := a.Name()
		if name == "" {
			return fmt.Errorf("thing %s: action with empty name", path)
		}
		if _, exists := e.actions[name]; exists {
			return fmt.Errorf("thing %s: duplicate action %q", path, name)
		}
		e.actions[name] = a
		e.names = append(e.names, name)
	}
	sort.Strings(e.names)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.things[path]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateThing, path)
	}
	r.things[path] = e
	r.order = append(r.order, path)
	return nil
}

// Thing returns the thing registered at path.
func (r *Registry) Thing(path string) (Thing, error) {
	path = NormalizePath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.things[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThingNotFound, path)
	}
	return e.thing, nil
}

// Action returns the action called name on the thing registered at path.
func (r *Registry) Action(path, name string) (Action, error) {
	path = NormalizePath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.things[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThingNotFound, path)
	}
	a, ok := e.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s%s", ErrActionNotFound, path, name)
	}
	return a, nil
}

// Paths returns the registered paths in registration order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Describe returns a description of every registered thing, in registration order.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Description, 0, len(r.order))
	for _, path := range r.order {
		e := r.things[path]
		names := make([]string, len(e.names))
		copy(names, e.names)
		result = append(result, Description{Path: path, Actions: names})
	}
	return result
}
