package specmodel

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// EnvOp enumerates environment_modifications operations.
type EnvOp string

const (
	EnvSet         EnvOp = "set"
	EnvUnset       EnvOp = "unset"
	EnvPrependPath EnvOp = "prepend-path"
	EnvAppendPath  EnvOp = "append-path"
)

// EnvMod is one entry of a spec's ordered environment_modifications list.
type EnvMod struct {
	Name  string `json:"name"`
	Op    EnvOp  `json:"op"`
	Value string `json:"value"`
	Sep   string `json:"sep,omitempty"`
}

// AssetAction enumerates how an Asset is materialized into a case workspace.
type AssetAction string

const (
	AssetCopy AssetAction = "copy"
	AssetLink AssetAction = "link"
	AssetNone AssetAction = "none"
)

// Asset is a file resource a spec needs staged into its workspace.
type Asset struct {
	Src    string      `json:"src"`
	Dst    string      `json:"dst,omitempty"`
	Action AssetAction `json:"action"`
}

// DestName returns the name the asset should have in the workspace: Dst if
// set, else the base name of Src.
func (a Asset) DestName() string {
	if a.Dst != "" {
		return a.Dst
	}
	return filepath.Base(a.Src)
}

// XStatus is the expected-exit-code policy.
// Values >0 mean "expect exactly this code"; the two named sentinels are
// carried as constants for 0 and "any non-zero".
type XStatus int

const (
	XStatusNormal  XStatus = 0
	XStatusAnyFail XStatus = -1
	// XStatusDiff is a sentinel distinguishing "expected diff" from a
	// literal exit code; canonically stored out of band on Spec.Diff.
)

// DependencyPatterns is one dependency-pattern entry: a glob list, an
// arity expectation, and an expected outcome, resolved to concrete
// dependency IDs during the build.
type DependencyPatterns struct {
	Patterns    []string `json:"patterns"`
	Expects     string   `json:"expects"` // "+" | "?" | a decimal integer
	ResultMatch string   `json:"result_match"`
	ResolvesTo  []ID     `json:"resolves_to,omitempty"`
}

// UnresolvedSpec is a test case candidate before dependency links are
// bound.
type UnresolvedSpec struct {
	FileRoot string `json:"file_root"`
	FilePath string `json:"file_path"`
	Family   string `json:"family"`

	// Parameters is a map of name -> scalar. Name(), DisplayName and the ID
	// hash all list parameters in sorted key order; declaration order is
	// not recorded.
	Parameters map[string]any `json:"parameters"`

	FileBytes []byte `json:"-"`

	// VCSRelPath is the VCS-anchored relative path used in ID/name
	// computation when a .git/.repo ancestor exists; otherwise it equals
	// FilePath-qualified name.
	VCSRelPath string `json:"vcs_rel_path"`

	Keywords    []string `json:"keywords,omitempty"`
	Owners      []string `json:"owners,omitempty"`
	Timeout     float64  `json:"timeout,omitempty"`
	XStatus     XStatus  `json:"xstatus"`
	Diff        bool     `json:"diff,omitempty"` // true selects the "diff-code" XStatus sentinel
	Preload     string   `json:"preload,omitempty"`
	Modules     []string `json:"modules,omitempty"`
	RCFiles     []string `json:"rcfiles,omitempty"`
	Artifacts   []string `json:"artifacts,omitempty"`
	Exclusive   bool     `json:"exclusive,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	EnvMods     []EnvMod           `json:"environment_modifications,omitempty"`

	Assets []Asset `json:"assets,omitempty"`

	DepPatterns []DependencyPatterns `json:"dep_patterns,omitempty"`

	Mask Mask `json:"mask"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

// Name is family + "." + sorted k=v pairs joined with ".".
func (s *UnresolvedSpec) Name() string {
	pairs := sortedParamPairs(s.Parameters)
	if len(pairs) == 0 {
		return s.Family
	}
	return s.Family + "." + strings.Join(pairs, ".")
}

// FullName qualifies Name with the VCS-anchored relative path, matching
// the `fullname` field matches() references.
func (s *UnresolvedSpec) FullName() string {
	return s.VCSRelPath + "::" + s.Name()
}

// DisplayStyle selects how DisplayName renders.
type DisplayStyle int

const (
	StylePlain DisplayStyle = iota
	StyleRich
	StyleLegacyColor
)

// DisplayName is a pure function of (family, parameters) plus a styling
// flag. Plain is the canonical form used for ID-adjacent
// comparisons in matches(); Rich adds bracketed parameter grouping;
// LegacyColor wraps the parameter suffix in ANSI codes matching the
// original curses-era CLI output (kept for scripts scraping stdout).
func DisplayName(family string, params map[string]any, style DisplayStyle) string {
	pairs := sortedParamPairs(params)
	if len(pairs) == 0 {
		return family
	}
	body := strings.Join(pairs, ", ")
	switch style {
	case StyleRich:
		return fmt.Sprintf("%s[%s]", family, body)
	case StyleLegacyColor:
		return fmt.Sprintf("%s\x1b[2m[%s]\x1b[0m", family, body)
	default:
		return family + "." + strings.Join(pairs, ".")
	}
}

// Matches implements matches(pattern): equality or fnmatch
// glob against {id, name, family, fullname, display_name(plain), file_path,
// file_path.parent/display_name(plain)}, with a leading "/" selecting by
// ID prefix.
func (s *UnresolvedSpec) Matches(id ID, pattern string) bool {
	if strings.HasPrefix(pattern, "/") {
		return id.HasPrefix(strings.TrimPrefix(pattern, "/"))
	}
	candidates := []string{
		string(id),
		s.Name(),
		s.Family,
		s.FullName(),
		DisplayName(s.Family, s.Parameters, StylePlain),
		s.FilePath,
		filepath.Join(filepath.Dir(s.FilePath), DisplayName(s.Family, s.Parameters, StylePlain)),
	}
	for _, c := range candidates {
		if c == pattern {
			return true
		}
		if ok, _ := filepath.Match(pattern, c); ok {
			return true
		}
	}
	return false
}

// SortedParamKeys returns Parameters' keys in sorted order, the canonical
// iteration order used throughout ID/name computation and serialization.
func (s *UnresolvedSpec) SortedParamKeys() []string {
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
