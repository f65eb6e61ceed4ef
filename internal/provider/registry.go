package provider

import (
	"sort"
	"sync"

	"github.com/rendis/cascade/pkg/schema"
)

// Binding ties a provider ID to its execution strategy and collaborators.
// Standard providers need a ConversationRunner; external-task providers need
// a TaskClient.
type Binding struct {
	Provider string
	Strategy schema.StrategyKind
	Runner   ConversationRunner
	Tasks    TaskClient
}

// Registry is a thread-safe lookup table from provider ID to Binding.
// Strategy dispatch is data-driven: the engine never switches on provider
// names directly.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	fallback string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]Binding),
	}
}

// Register adds a provider binding. Returns an error on duplicates or on a
// binding missing its strategy's collaborator.
func (r *Registry) Register(b Binding) error {
	if b.Provider == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider id is empty")
	}
	switch b.Strategy {
	case schema.StrategyStandard:
		if b.Runner == nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"provider %q uses the standard strategy but has no conversation runner", b.Provider)
		}
	case schema.StrategyExternalTask:
		if b.Tasks == nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"provider %q uses the external task strategy but has no task client", b.Provider)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"provider %q has unknown strategy %q", b.Provider, b.Strategy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[b.Provider]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "provider %q already registered", b.Provider)
	}
	r.bindings[b.Provider] = b
	return nil
}

// SetFallback names the binding used when a node has no provider set.
func (r *Registry) SetFallback(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = provider
}

// Resolve returns the binding for a provider ID, falling back to the default
// binding for empty IDs.
func (r *Registry) Resolve(provider string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if provider == "" {
		provider = r.fallback
	}
	b, ok := r.bindings[provider]
	if !ok {
		return Binding{}, schema.NewErrorf(schema.ErrCodeNotFound, "provider %q not registered", provider)
	}
	return b, nil
}

// List returns all registered provider IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
