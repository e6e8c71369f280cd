// Package provider defines the uniform LLM/search provider abstraction, the
// static registry the classifier draws from, and adapters for each backend.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trip-planner/internal/cost"
)

// Kind separates text generation backends from search backends.
type Kind string

const (
	KindGeneration Kind = "generation"
	KindSearch     Kind = "search"
)

// Class is a provider's capability tier.
type Class string

const (
	ClassFast     Class = "fast-simple"
	ClassBalanced Class = "balanced"
	ClassDeep     Class = "deep-reasoning"
)

// Classes lists capability tiers from cheapest to most capable.
var Classes = []Class{ClassFast, ClassBalanced, ClassDeep}

// Rank orders classes by capability; unknown classes rank -1.
func (c Class) Rank() int {
	for i, k := range Classes {
		if k == c {
			return i
		}
	}
	return -1
}

// Request is one stage's call, independent of backend.
type Request struct {
	Stage  string
	Task   string // short description of what the stage needs
	System string
	Prompt string
	// Query is the search string for search-kind providers.
	Query           string
	MaxOutputTokens int
	// Depth is the requested depth, 1..5.
	Depth int
	Kind  Kind
	// Class pins the preferred capability tier; empty lets the classifier
	// decide from the request's complexity.
	Class Class
}

// Response is a provider's successful result.
type Response struct {
	Text      string
	Model     string
	Usage     cost.Usage
	Citations []string
}

// Provider wraps one LLM or search backend. Implementations return a
// *resilience.ProviderError for every network, status, timeout or payload
// failure.
type Provider interface {
	Name() string
	Kind() Kind
	Class() Class
	Model() string
	Call(ctx context.Context, req Request) (*Response, error)
}

type entry struct {
	p        Provider
	priority int
}

// Registry is the static provider table keyed by identifier. Lower priority
// values are preferred.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a provider. Names must be unique.
func (r *Registry) Register(p Provider, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[p.Name()]; ok {
		return eris.Errorf("provider: duplicate provider %q", p.Name())
	}
	r.entries[p.Name()] = entry{p: p, priority: priority}
	return nil
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name].p
}

// Priority returns the registered priority of name.
func (r *Registry) Priority(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name].priority
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Default returns every provider ordered by priority, then name.
func (r *Registry) Default() []Provider {
	r.mu.RLock()
	list := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].p.Name() < list[j].p.Name()
	})
	out := make([]Provider, len(list))
	for i, e := range list {
		out[i] = e.p
	}
	return out
}
