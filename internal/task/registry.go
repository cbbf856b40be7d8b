package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultNamespace is the prefix every resolvable task name lives under.
const DefaultNamespace = "maintenance"

// Factory creates a fresh Task for one attempt.
type Factory func() Task

// NotFoundError is returned when a name does not resolve to a registered task.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.Name)
}

// Registry maps qualified task names ("<namespace>.<Name>") to factories.
// It is safe for concurrent use.
type Registry struct {
	namespace string
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Registry{
		namespace: namespace,
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Namespace() string {
	return r.namespace
}

// Qualify prefixes name with the registry namespace unless it already has it.
func (r *Registry) Qualify(name string) string {
	if r.inNamespace(name) {
		return name
	}
	return r.namespace + "." + name
}

func (r *Registry) Register(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("register %s: nil factory", name)
	}
	if !r.inNamespace(name) {
		return fmt.Errorf("register %s: name must be under namespace %q", name, r.namespace)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("register %s: already registered", name)
	}
	r.factories[name] = factory
	return nil
}

func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Named returns a fresh instance of the named task or a *NotFoundError.
func (r *Registry) Named(name string) (Task, error) {
	if !r.inNamespace(name) {
		return nil, &NotFoundError{Name: name}
	}
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	t := factory()
	if t == nil {
		return nil, &NotFoundError{Name: name}
	}
	return t, nil
}

// Available lists the registered task names in lexical order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) inNamespace(name string) bool {
	rest, ok := strings.CutPrefix(name, r.namespace+".")
	return ok && rest != ""
}
