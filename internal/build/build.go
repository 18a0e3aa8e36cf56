// Package build implements the Builder: runs generators in parallel,
// validates spec-id uniqueness, resolves dependency patterns against peer
// specs, and finalizes a topologically ordered list of ResolvedSpecs.
//
// Parallel fan-out uses golang.org/x/sync/errgroup: a generator or a
// dependency-resolution worker failing aborts the whole build.
package build

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/sandialabs/canary/internal/canaryerr"
	"github.com/sandialabs/canary/internal/generator"
	"github.com/sandialabs/canary/internal/graph"
	"github.com/sandialabs/canary/internal/specmodel"
)

// Builder runs generators over a set of file paths and resolves their
// output into ResolvedSpecs.
type Builder struct {
	Registry *generator.Registry

	// Seed is a set of already-resolved peer specs (e.g. loaded from the
	// workspace DB) that drafts may depend on without re-resolving them:
	// the pool a draft can resolve against is the union of drafts and any
	// pre-resolved specs seeded in.
	Seed []*specmodel.ResolvedSpec

	// Serial forces generator invocation and dependency resolution onto a
	// single goroutine, mirroring CANARY_SERIAL_SPEC_RESOLUTION.
	Serial bool
}

// Run discovers specs, checks for duplicate ids, resolves dependency
// patterns against peers, and finalizes a topologically ordered result.
func (b *Builder) Run(ctx context.Context, paths []string, opts generator.Options) ([]*specmodel.ResolvedSpec, error) {
	drafts, err := b.runGenerators(ctx, paths, opts)
	if err != nil {
		return nil, err
	}

	if err := validateUnique(drafts); err != nil {
		return nil, err
	}

	// Seed specs are indexed alongside the drafts so patterns can match them
	// by id, name, family, display name, file path or glob.
	peers := append([]*draft(nil), drafts...)
	for _, s := range b.Seed {
		peers = append(peers, &draft{id: s.ID, spec: &s.UnresolvedSpec})
	}
	idx := buildPeerIndex(peers)

	if err := b.resolveDependencies(ctx, drafts, idx); err != nil {
		return nil, err
	}

	return b.finalize(drafts)
}

func (b *Builder) limit() int {
	if b.Serial {
		return 1
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// runGenerators invokes every generator matching each path, concatenating
// their UnresolvedSpecs.
func (b *Builder) runGenerators(ctx context.Context, paths []string, opts generator.Options) ([]*draft, error) {
	type result struct {
		specs []specmodel.UnresolvedSpec
	}
	results := make([]result, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.limit())
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			gen := b.Registry.For(p)
			if gen == nil {
				return nil
			}
			specs, err := gen.Lock(gctx, p, opts)
			if err != nil {
				return canaryerr.Input("generator %s failed on %s", gen.Name(), p).Wrap(err)
			}
			results[i] = result{specs: specs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var drafts []*draft
	for _, r := range results {
		for i := range r.specs {
			s := r.specs[i]
			drafts = append(drafts, &draft{id: s.ComputeID(), spec: &s})
		}
	}
	return drafts, nil
}

// validateUnique rejects a draft set containing two specs with the same id.
func validateUnique(drafts []*draft) error {
	byID := make(map[specmodel.ID][]*draft)
	for _, d := range drafts {
		byID[d.id] = append(byID[d.id], d)
	}
	var offenders []string
	for id, group := range byID {
		if len(group) > 1 {
			for _, d := range group {
				offenders = append(offenders, fmt.Sprintf("%s (id=%s, file=%s)",
					specmodel.DisplayName(d.spec.Family, d.spec.Parameters, specmodel.StylePlain), id, d.spec.FilePath))
			}
		}
	}
	if len(offenders) > 0 {
		sort.Strings(offenders)
		return canaryerr.Input("duplicate spec ids found:\n  %s", joinLines(offenders))
	}
	return nil
}

func joinLines(lines []string) string {
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n  " + l
	}
	return out
}

// resolveDependencies matches each draft's dependency patterns against its
// peers, run in parallel per draft via a bounded worker pool.
func (b *Builder) resolveDependencies(ctx context.Context, drafts []*draft, idx *peerIndex) error {
	// Seed specs participate as resolvable peers but are not themselves
	// re-resolved (they already are resolved).
	for _, s := range b.Seed {
		idx.byID[s.ID] = &draft{id: s.ID, spec: &s.UnresolvedSpec}
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(b.limit())
	for _, d := range drafts {
		d := d
		g.Go(func() error {
			for dpi := range d.spec.DepPatterns {
				if err := resolveOnePattern(d, &d.spec.DepPatterns[dpi], idx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func resolveOnePattern(self *draft, dp *specmodel.DependencyPatterns, idx *peerIndex) error {
	var matches []specmodel.ID
	for _, pattern := range dp.Patterns {
		exact := idx.exactMatch(pattern)
		found := exact
		if len(found) == 0 {
			found = idx.globMatch(pattern)
		}
		for _, id := range found {
			if id == self.id {
				continue // self-matches excluded
			}
			matches = append(matches, id)
		}
	}
	matches = dedupeIDs(matches) // duplicates within one dp excluded
	sortIDs(matches)

	if err := checkArity(dp.Expects, len(matches)); err != nil {
		return canaryerr.Resolution("dependency pattern %v on %s: %v", dp.Patterns,
			specmodel.DisplayName(self.spec.Family, self.spec.Parameters, specmodel.StylePlain), err).
			With(string(self.id), self.spec.FilePath)
	}
	dp.ResolvesTo = append(dp.ResolvesTo, matches...)
	return nil
}

func checkArity(expects string, n int) error {
	switch expects {
	case "+":
		if n < 1 {
			return fmt.Errorf("expected at least one match, found %d", n)
		}
	case "?":
		if n > 1 {
			return fmt.Errorf("expected at most one match, found %d", n)
		}
	default:
		want, err := strconv.Atoi(expects)
		if err != nil {
			return fmt.Errorf("invalid expects specifier %q", expects)
		}
		if n != want {
			return fmt.Errorf("expected exactly %d matches, found %d", want, n)
		}
	}
	return nil
}

// finalize builds the dependency graph over drafts+seed, topologically
// sorts it, and materializes ResolvedSpecs with dependency references in
// resolution order.
func (b *Builder) finalize(drafts []*draft) ([]*specmodel.ResolvedSpec, error) {
	g := make(graph.Graph[specmodel.ID], len(drafts)+len(b.Seed))
	bySpecID := make(map[specmodel.ID]*specmodel.UnresolvedSpec, len(drafts))
	doneCriteria := make(map[specmodel.ID][]string, len(drafts))

	for _, d := range drafts {
		var deps []specmodel.ID
		var crit []string
		for _, dp := range d.spec.DepPatterns {
			for _, id := range dp.ResolvesTo {
				deps = append(deps, id)
				crit = append(crit, dp.ResultMatch)
			}
		}
		g[d.id] = deps
		bySpecID[d.id] = d.spec
		doneCriteria[d.id] = crit
	}
	for _, s := range b.Seed {
		g[s.ID] = s.DependencyIDs()
	}

	order, err := graph.TopoSort(g, func(a, b specmodel.ID) bool { return a < b })
	if err != nil {
		return nil, canaryerr.Resolution("%v", err)
	}

	resolved := make(map[specmodel.ID]*specmodel.ResolvedSpec, len(order))
	for _, s := range b.Seed {
		resolved[s.ID] = s
	}

	var out []*specmodel.ResolvedSpec
	for _, id := range order {
		if _, ok := resolved[id]; ok {
			continue // seed, already resolved
		}
		us := bySpecID[id]
		rs := &specmodel.ResolvedSpec{UnresolvedSpec: *us, ID: id}
		for _, depID := range g[id] {
			rs.Dependencies = append(rs.Dependencies, resolved[depID])
		}
		rs.DepDoneCriteria = doneCriteria[id]
		if err := rs.CheckInvariant(); err != nil {
			return nil, canaryerr.Resolution("%v", err)
		}
		resolved[id] = rs
		out = append(out, rs)
	}
	return out, nil
}
