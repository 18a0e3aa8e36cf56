package rules

import (
	"testing"

	"github.com/sandialabs/canary/internal/canaryconfig"
	"github.com/sandialabs/canary/internal/resource"
	"github.com/sandialabs/canary/internal/specmodel"
)

func mkSpec(id, name string, params map[string]any, deps []*specmodel.ResolvedSpec) *specmodel.ResolvedSpec {
	s := &specmodel.ResolvedSpec{ID: specmodel.ID(id)}
	s.Family = name
	s.Parameters = params
	s.Keywords = []string{"fast"}
	for _, d := range deps {
		s.Dependencies = append(s.Dependencies, d)
		s.DepDoneCriteria = append(s.DepDoneCriteria, "*")
	}
	return s
}

func TestKeywordRuleAllBypasses(t *testing.T) {
	r := &KeywordRule{Exprs: []string{"__all__"}}
	spec := mkSpec("a", "x", nil, nil)
	if out := r.Evaluate(spec, nil); !out.OK {
		t.Fatalf("expected __all__ to bypass, got %+v", out)
	}
}

func TestKeywordRuleAndOrNot(t *testing.T) {
	spec := mkSpec("a", "x", nil, nil)
	spec.Keywords = []string{"fast", "unit"}

	pass := &KeywordRule{Exprs: []string{"fast and not slow"}}
	if out := pass.Evaluate(spec, nil); !out.OK {
		t.Fatalf("expected pass, got %+v", out)
	}
	fail := &KeywordRule{Exprs: []string{"slow or integration"}}
	if out := fail.Evaluate(spec, nil); out.OK {
		t.Fatal("expected failure for unmatched keyword expression")
	}
}

func TestParameterRuleComparison(t *testing.T) {
	spec := mkSpec("a", "x", map[string]any{"np": 4}, nil)
	r := &ParameterRule{Expr: "np>=4"}
	if out := r.Evaluate(spec, nil); !out.OK {
		t.Fatalf("expected np>=4 to pass, got %+v", out)
	}
	r2 := &ParameterRule{Expr: "np<4"}
	if out := r2.Evaluate(spec, nil); out.OK {
		t.Fatal("expected np<4 to fail")
	}
}

func TestResourceCapacityRuleCaches(t *testing.T) {
	pool := resource.New(canaryconfig.ResourceInventory{CPUsPerNode: 2, Nodes: 1})
	r := NewResourceCapacityRule(pool)
	spec := mkSpec("a", "x", map[string]any{"cpus": 2}, nil)
	out1 := r.Evaluate(spec, nil)
	out2 := r.Evaluate(spec, nil)
	if !out1.OK || !out2.OK {
		t.Fatalf("expected both evaluations to pass: %+v %+v", out1, out2)
	}
	if len(r.cache) != 1 {
		t.Fatalf("expected one cached entry, got %d", len(r.cache))
	}
}

func TestSelectorMasksDependents(t *testing.T) {
	pool := resource.New(canaryconfig.ResourceInventory{CPUsPerNode: 1, Nodes: 1})
	parent := mkSpec("p", "parent", map[string]any{"cpus": 100}, nil) // unsatisfiable
	child := mkSpec("c", "child", nil, []*specmodel.ResolvedSpec{parent})

	sel := NewSelector(pool)
	survivors, masks := sel.Apply([]*specmodel.ResolvedSpec{parent, child})

	if !masks["p"].Value {
		t.Fatal("expected parent to be masked for insufficient resources")
	}
	if !masks["c"].Value {
		t.Fatal("expected child to be masked because its dependency was masked")
	}
	if len(survivors) != 0 {
		t.Fatalf("expected no survivors, got %d", len(survivors))
	}
}
