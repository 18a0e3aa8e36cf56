// Package generator defines the TestGenerator interface:
// the sole seam between the core pipeline and the out-of-scope
// source-format parsers (.pyt, .vvt, CTest). The core consumes generators
// in parallel, one task per file; this package only defines the contract
// and a Registry so concrete implementations are selected by static type,
// never runtime reflection.
package generator

import (
	"context"

	"github.com/sandialabs/canary/internal/specmodel"
)

// Options carries the on_options passed to Lock: free-form
// build-time options a generator may use to parametrize the specs it
// emits (e.g. enabled features, platform tags).
type Options map[string]string

// Generator produces UnresolvedSpecs from a single file.
// Matches is pure; Lock is side-effect-free with respect to the
// filesystem beyond reading the file at path.
type Generator interface {
	// Matches reports whether this generator claims path.
	Matches(path string) bool

	// Lock reads path and expands it into zero or more UnresolvedSpecs.
	Lock(ctx context.Context, path string, opts Options) ([]specmodel.UnresolvedSpec, error)

	// Name identifies the generator kind for diagnostics (e.g. "pyt",
	// "vvtest", "ctest").
	Name() string
}

// Registry is a static, sum-type-style dispatch table: concrete
// Generators are registered once at startup (by the CLI's plugin wiring,
// or by tests), then looked up by Matches — never by name-based runtime
// reflection.
type Registry struct {
	generators []Generator
}

// NewRegistry builds a Registry from a fixed set of generators.
func NewRegistry(generators ...Generator) *Registry {
	return &Registry{generators: append([]Generator(nil), generators...)}
}

// For returns the first registered generator whose Matches(path) is true,
// or nil if none claims the file.
func (r *Registry) For(path string) Generator {
	for _, g := range r.generators {
		if g.Matches(path) {
			return g
		}
	}
	return nil
}

// All returns every registered generator, in registration order.
func (r *Registry) All() []Generator {
	return append([]Generator(nil), r.generators...)
}
