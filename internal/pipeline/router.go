package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrNoBackend means neither the requested engine nor the fallback is
// registered.
var ErrNoBackend = errors.New("no backend registered")

// Router maps engine names to backends. Unknown or empty names resolve to
// the fallback.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router over backends with the given fallback engine.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route resolves engine and returns the name of the backend it chose.
func (r *Router[T]) Route(engine string) (string, T, error) {
	for _, name := range []string{engine, r.fallback} {
		if backend, ok := r.backends[name]; ok {
			return name, backend, nil
		}
	}
	var zero T
	return "", zero, fmt.Errorf("%w for engine %q", ErrNoBackend, engine)
}

// Has reports whether engine is registered.
func (r *Router[T]) Has(engine string) bool {
	_, ok := r.backends[engine]
	return ok
}

// Engines returns the registered engine names, sorted.
func (r *Router[T]) Engines() []string {
	return slices.Sorted(maps.Keys(r.backends))
}
