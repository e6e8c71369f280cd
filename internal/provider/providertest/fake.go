// Package providertest provides a scriptable provider for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/provider"
	"github.com/sells-group/trip-planner/internal/resilience"
)

// Fake is a provider whose behavior is set per test. The zero value answers
// every call with "ok".
type Fake struct {
	ProviderName  string
	ProviderKind  provider.Kind
	ProviderClass provider.Class
	ProviderModel string

	// Fn, when set, handles each call.
	Fn func(ctx context.Context, req provider.Request) (*provider.Response, error)
	// Text and Usage are returned when Fn is nil.
	Text  string
	Usage cost.Usage
	// Fail makes every call return a ProviderError when Fn is nil. The
	// error carries Usage, as a backend that billed a failed call would.
	Fail bool

	mu       sync.Mutex
	requests []provider.Request
}

// New returns a generation Fake with the given name, class and model.
func New(name string, class provider.Class, model string) *Fake {
	return &Fake{ProviderName: name, ProviderKind: provider.KindGeneration, ProviderClass: class, ProviderModel: model}
}

// NewSearch returns a search Fake.
func NewSearch(name string, class provider.Class, model string) *Fake {
	f := New(name, class, model)
	f.ProviderKind = provider.KindSearch
	return f
}

func (f *Fake) Name() string { return f.ProviderName }

func (f *Fake) Kind() provider.Kind {
	if f.ProviderKind == "" {
		return provider.KindGeneration
	}
	return f.ProviderKind
}

func (f *Fake) Class() provider.Class { return f.ProviderClass }
func (f *Fake) Model() string         { return f.ProviderModel }

func (f *Fake) Call(ctx context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.Fn != nil {
		return f.Fn(ctx, req)
	}
	if f.Fail {
		pe := resilience.NewProviderError(f.ProviderName, "forced failure", nil)
		pe.Usage = f.Usage
		return nil, pe
	}
	text := f.Text
	if text == "" {
		text = "ok"
	}
	return &provider.Response{Text: text, Model: f.ProviderModel, Usage: f.Usage}, nil
}

// Calls returns how many times Call ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Requests returns a copy of every request seen.
func (f *Fake) Requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Registry registers fakes with priorities in argument order.
func Registry(fakes ...provider.Provider) *provider.Registry {
	r := provider.NewRegistry()
	for i, f := range fakes {
		if err := r.Register(f, (i+1)*10); err != nil {
			panic(err)
		}
	}
	return r
}
