package source

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/clock/system"
	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

// ErrUnknownAdapter is returned by Build for unregistered kinds.
var ErrUnknownAdapter = errors.New("source: unknown adapter")

// Options carries the per-target settings an adapter honours.
type Options struct {
	BaseURL  string
	PageSize int
	Sections []Section
	Headers  http.Header
}

// Deps bundles what a Factory needs.
type Deps struct {
	Fetcher crawler.Fetcher
	Options Options
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// WithDefaults fills a nil Logger and Clock.
func (d Deps) WithDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = system.Clock{}
	}
	return d
}

// Factory builds an adapter.
type Factory func(Deps) (Adapter, error)

// Registry maps adapter kinds to factories. It is built explicitly at startup
// and passed to whatever constructs engines.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a kind twice is an error.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("register adapter: kind and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("register adapter %q: already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Build constructs an adapter of kind.
func (r *Registry) Build(kind string, deps Deps) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, kind)
	}
	adapter, err := factory(deps.WithDefaults())
	if err != nil {
		return nil, fmt.Errorf("build adapter %q: %w", kind, err)
	}
	return adapter, nil
}

// Kinds lists registered kinds in sorted order.
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
