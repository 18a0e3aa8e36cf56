package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sandialabs/canary/internal/resource"
	"github.com/sandialabs/canary/internal/specmodel"
)

// KeywordRule requires every expression in Exprs to match the union of a
// spec's declared and implicit keywords. The special tokens
// __all__ and :all: bypass the rule entirely.
type KeywordRule struct {
	Exprs []string
}

func (r *KeywordRule) Name() string          { return "KeywordRule" }
func (r *KeywordRule) DefaultReason() string { return "One or more keyword expressions did not match" }
func (r *KeywordRule) Describe() json.RawMessage { return describe(r.Name(), map[string]any{"keyword_exprs": r.Exprs}) }

func (r *KeywordRule) Evaluate(spec *specmodel.ResolvedSpec, _ map[string]any) Outcome {
	for _, e := range r.Exprs {
		if e == "__all__" || e == ":all:" {
			return ok()
		}
	}
	kwds := map[string]bool{}
	for _, k := range spec.Keywords {
		kwds[k] = true
	}
	kwds[string(spec.ID)] = true
	kwds[spec.Name()] = true
	kwds[spec.Family] = true
	kwds[spec.FilePath] = true
	for _, expr := range r.Exprs {
		be := newBoolExpr(expr, func(atom string) (bool, error) { return kwds[atom], nil })
		matched, err := be.Eval()
		if err != nil {
			return failed(fmt.Sprintf("keyword expression %q: %v", expr, err))
		}
		if !matched {
			return failed(fmt.Sprintf("keyword expression %q did not match", expr))
		}
	}
	return ok()
}

// ParameterRule evaluates Expr against a spec's declared parameters unioned
// with the implicit derived set (cpus, gpus, nodes, runtime).
type ParameterRule struct {
	Expr string
}

func (r *ParameterRule) Name() string          { return "ParameterRule" }
func (r *ParameterRule) DefaultReason() string { return fmt.Sprintf("parameter expression %q did not match", r.Expr) }
func (r *ParameterRule) Describe() json.RawMessage { return describe(r.Name(), map[string]any{"parameter_expr": r.Expr}) }

func (r *ParameterRule) Evaluate(spec *specmodel.ResolvedSpec, implicit map[string]any) Outcome {
	params := make(map[string]any, len(spec.Parameters)+len(implicit))
	for k, v := range implicit {
		params[k] = v
	}
	for k, v := range spec.Parameters {
		params[k] = v
	}
	be := newBoolExpr(r.Expr, func(atom string) (bool, error) { return evalComparison(atom, params) })
	matched, err := be.Eval()
	if err != nil {
		return failed(err.Error())
	}
	if !matched {
		return failed(r.DefaultReason())
	}
	return ok()
}

// OwnersRule passes iff a spec's owners intersect Owners.
type OwnersRule struct {
	Owners []string
}

func (r *OwnersRule) Name() string          { return "OwnersRule" }
func (r *OwnersRule) DefaultReason() string { return fmt.Sprintf("not owned by %s", strings.Join(r.Owners, ", ")) }
func (r *OwnersRule) Describe() json.RawMessage { return describe(r.Name(), map[string]any{"owners": r.Owners}) }

func (r *OwnersRule) Evaluate(spec *specmodel.ResolvedSpec, _ map[string]any) Outcome {
	want := make(map[string]bool, len(r.Owners))
	for _, o := range r.Owners {
		want[o] = true
	}
	for _, o := range spec.Owners {
		if want[o] {
			return ok()
		}
	}
	return failed(r.DefaultReason())
}

// PrefixRule passes iff the spec's file path starts with every prefix
// listed (intended for "restrict to directory").
type PrefixRule struct {
	Prefixes []string
}

func (r *PrefixRule) Name() string          { return "PrefixRule" }
func (r *PrefixRule) DefaultReason() string { return fmt.Sprintf("test file not a child of %s", strings.Join(r.Prefixes, ", ")) }
func (r *PrefixRule) Describe() json.RawMessage { return describe(r.Name(), map[string]any{"prefixes": r.Prefixes}) }

func (r *PrefixRule) Evaluate(spec *specmodel.ResolvedSpec, _ map[string]any) Outcome {
	for _, p := range r.Prefixes {
		if !strings.HasPrefix(spec.FilePath, p) {
			return failed(fmt.Sprintf("test file not a child of %s", p))
		}
	}
	return ok()
}

// IDsRule passes iff the spec's id starts with any of the listed prefixes.
type IDsRule struct {
	IDPrefixes []string
}

func (r *IDsRule) Name() string          { return "IDsRule" }
func (r *IDsRule) DefaultReason() string { return fmt.Sprintf("test ID not in %s", strings.Join(r.IDPrefixes, ",")) }
func (r *IDsRule) Describe() json.RawMessage { return describe(r.Name(), map[string]any{"ids": r.IDPrefixes}) }

func (r *IDsRule) Evaluate(spec *specmodel.ResolvedSpec, _ map[string]any) Outcome {
	for _, p := range r.IDPrefixes {
		if spec.ID.HasPrefix(p) {
			return ok()
		}
	}
	return failed(r.DefaultReason())
}

// RegexRule passes iff a compiled regex matches the spec's test file or any
// asset file's content.
type RegexRule struct {
	Pattern string
	rx      *regexp.Regexp
	once    sync.Once
	err     error
}

func (r *RegexRule) Name() string          { return "RegexRule" }
func (r *RegexRule) DefaultReason() string { return fmt.Sprintf("re.search(%q) evaluated to False", r.Pattern) }
func (r *RegexRule) Describe() json.RawMessage { return describe(r.Name(), map[string]any{"regex": r.Pattern}) }

func (r *RegexRule) compile() (*regexp.Regexp, error) {
	r.once.Do(func() { r.rx, r.err = regexp.Compile(r.Pattern) })
	return r.rx, r.err
}

func (r *RegexRule) Evaluate(spec *specmodel.ResolvedSpec, _ map[string]any) Outcome {
	rx, err := r.compile()
	if err != nil {
		return failed(fmt.Sprintf("invalid regex %q: %v", r.Pattern, err))
	}
	if grep(rx, spec.FilePath) {
		return ok()
	}
	for _, a := range spec.Assets {
		if grep(rx, a.Src) {
			return ok()
		}
	}
	return failed(r.DefaultReason())
}

func grep(rx *regexp.Regexp, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return rx.Match(data)
}

// ResourceCapacityRule passes iff the pool can satisfy spec's required
// resources; results are cached by canonicalized resource shape.
type ResourceCapacityRule struct {
	pool  *resource.Pool
	mu    sync.Mutex
	cache map[string]Outcome
}

// NewResourceCapacityRule builds a ResourceCapacityRule bound to pool.
func NewResourceCapacityRule(pool *resource.Pool) *ResourceCapacityRule {
	return &ResourceCapacityRule{pool: pool, cache: map[string]Outcome{}}
}

func (r *ResourceCapacityRule) Name() string          { return "ResourceCapacityRule" }
func (r *ResourceCapacityRule) DefaultReason() string { return "not enough resources" }
func (r *ResourceCapacityRule) Describe() json.RawMessage { return describe(r.Name(), map[string]any{}) }

func (r *ResourceCapacityRule) Evaluate(spec *specmodel.ResolvedSpec, _ map[string]any) Outcome {
	groups := resource.RequiredFor(r.pool, spec.Parameters)
	key := freezeGroups(groups)

	r.mu.Lock()
	defer r.mu.Unlock()
	if out, ok := r.cache[key]; ok {
		return out
	}
	fits, reason := r.pool.Satisfies(groups)
	var out Outcome
	if fits {
		out = ok()
	} else if reason != "" {
		out = failed(reason)
	} else {
		out = failed(r.DefaultReason())
	}
	r.cache[key] = out
	return out
}

func freezeGroups(groups []resource.Group) string {
	type pair struct {
		typ   string
		slots int
	}
	var pairs []pair
	for _, g := range groups {
		for _, req := range g {
			pairs = append(pairs, pair{req.Type, req.Slots})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].typ != pairs[j].typ {
			return pairs[i].typ < pairs[j].typ
		}
		return pairs[i].slots < pairs[j].slots
	})
	var sb strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&sb, "%s=%d;", p.typ, p.slots)
	}
	return sb.String()
}

// CompositeRule ANDs a caller-supplied slice of rules into one, matching
// how original_source/src/_canary/rules.py composes a default rule chain.
type CompositeRule struct {
	Rules []Rule
}

func (r *CompositeRule) Name() string          { return "CompositeRule" }
func (r *CompositeRule) DefaultReason() string { return "one or more composed rules did not match" }
func (r *CompositeRule) Describe() json.RawMessage {
	descs := make([]json.RawMessage, len(r.Rules))
	for i, sub := range r.Rules {
		descs[i] = sub.Describe()
	}
	return describe(r.Name(), descs)
}

func (r *CompositeRule) Evaluate(spec *specmodel.ResolvedSpec, implicit map[string]any) Outcome {
	for _, sub := range r.Rules {
		if out := sub.Evaluate(spec, implicit); !out.OK {
			return out
		}
	}
	return ok()
}
