// Package rules implements the Selector: a catalog of Rule predicates, mask
// propagation over the dependency graph, and SelectorSnapshot
// serialization, grounded on original_source/src/_canary/rules.py.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sandialabs/canary/internal/graph"
	"github.com/sandialabs/canary/internal/resource"
	"github.com/sandialabs/canary/internal/specmodel"
)

// Outcome is a rule's verdict on one spec.
type Outcome struct {
	OK     bool
	Reason string
}

func ok() Outcome               { return Outcome{OK: true} }
func failed(reason string) Outcome { return Outcome{OK: false, Reason: reason} }

// Rule is a named, JSON-describable predicate over a ResolvedSpec.
// DefaultReason is used when a caller wants a static explanation without
// evaluating (e.g. listing active rules).
type Rule interface {
	Name() string
	DefaultReason() string
	Evaluate(spec *specmodel.ResolvedSpec, implicit map[string]any) Outcome
	Describe() json.RawMessage
}

// Selector applies an ordered Rule list to every spec in a build,
// prepending a ResourceCapacityRule.
type Selector struct {
	Pool  *resource.Pool
	Rules []Rule
}

// NewSelector builds a Selector with ResourceCapacityRule always first.
func NewSelector(pool *resource.Pool, extra ...Rule) *Selector {
	rules := make([]Rule, 0, len(extra)+1)
	rules = append(rules, NewResourceCapacityRule(pool))
	rules = append(rules, extra...)
	return &Selector{Pool: pool, Rules: rules}
}

// Apply runs every rule over specs, masks failures, propagates masks
// through the dependency graph, and returns the surviving specs
// topologically finalized with dependency references replaced by the
// finalized peers.
func (s *Selector) Apply(specs []*specmodel.ResolvedSpec) ([]*specmodel.ResolvedSpec, map[specmodel.ID]specmodel.Mask) {
	masks := make(map[specmodel.ID]specmodel.Mask, len(specs))
	byID := make(map[specmodel.ID]*specmodel.ResolvedSpec, len(specs))
	g := make(graph.Graph[specmodel.ID], len(specs))

	for _, spec := range specs {
		byID[spec.ID] = spec
		g[spec.ID] = spec.DependencyIDs()
	}

	for _, spec := range specs {
		implicit := resource.ImplicitParameters(s.Pool, 0)
		mask := spec.Mask
		for _, r := range s.Rules {
			if mask.Value {
				break
			}
			if out := r.Evaluate(spec, implicit); !out.OK {
				reason := out.Reason
				if reason == "" {
					reason = r.DefaultReason()
				}
				mask.Set(reason)
			}
		}
		masks[spec.ID] = mask
	}

	// Propagate: if X is masked, every spec with X as a direct or
	// transitive dependency is masked too. That's a forward walk over the
	// *reverse* dependency graph starting from every already-masked node.
	rev := graph.Reverse(g)
	var masked []specmodel.ID
	for id, m := range masks {
		if m.Value {
			masked = append(masked, id)
		}
	}
	for _, id := range graph.ReachableForward(rev, masked) {
		m := masks[id]
		m.Set("One or more dependencies masked")
		masks[id] = m
	}

	order, err := graph.TopoSort(g, func(a, b specmodel.ID) bool { return a < b })
	if err != nil {
		// A cycle here means the builder's invariant was violated upstream;
		// surviving specs degrade to input order rather than panicking.
		order = idsOf(specs)
	}

	finalized := make(map[specmodel.ID]*specmodel.ResolvedSpec, len(order))
	var survivors []*specmodel.ResolvedSpec
	for _, id := range order {
		if masks[id].Value {
			continue
		}
		src := byID[id]
		fin := &specmodel.ResolvedSpec{UnresolvedSpec: src.UnresolvedSpec, ID: id}
		for i, dep := range src.Dependencies {
			if peer, ok := finalized[dep.ID]; ok {
				fin.Dependencies = append(fin.Dependencies, peer)
				fin.DepDoneCriteria = append(fin.DepDoneCriteria, src.DepDoneCriteria[i])
			}
		}
		finalized[id] = fin
		survivors = append(survivors, fin)
	}
	return survivors, masks
}

func idsOf(specs []*specmodel.ResolvedSpec) []specmodel.ID {
	ids := make([]specmodel.ID, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	return ids
}

// Snapshot builds a specmodel.SelectorSnapshot from a completed Apply pass.
func (s *Selector) Snapshot(allSpecIDs []specmodel.ID, masks map[specmodel.ID]specmodel.Mask, createdOn time.Time) specmodel.SelectorSnapshot {
	sorted := append([]specmodel.ID(nil), allSpecIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	masked := map[specmodel.ID]string{}
	for id, m := range masks {
		if m.Value {
			masked[id] = m.Reason
		}
	}
	rulesOut := make([]map[string]any, 0, len(s.Rules))
	for _, r := range s.Rules {
		var m map[string]any
		if err := json.Unmarshal(r.Describe(), &m); err == nil {
			rulesOut = append(rulesOut, m)
		}
	}
	return specmodel.SelectorSnapshot{
		SpecSetID: hex.EncodeToString(h.Sum(nil)),
		Masked:    masked,
		Rules:     rulesOut,
		CreatedOn: createdOn.UTC().Format(time.RFC3339),
	}
}

func describe(name string, params any) json.RawMessage {
	b, err := json.Marshal(struct {
		Rule   string `json:"rule"`
		Params any    `json:"params"`
	}{Rule: name, Params: params})
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"rule":%q,"error":%q}`, name, err))
	}
	return b
}
