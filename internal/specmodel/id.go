// Package specmodel implements canary's core data model:
// UnresolvedSpec, ResolvedSpec, DependencyPatterns, Asset and Mask.
package specmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ID is a content-addressed test-case identifier: the first 20 hex
// characters (10 bytes) of a SHA-256 digest,
type ID string

// NewID hashes data and returns the canonical 20-hex-char ID.
func NewID(data []byte) ID {
	sum := sha256.Sum256(data)
	return ID(hex.EncodeToString(sum[:])[:20])
}

// String satisfies fmt.Stringer.
func (id ID) String() string { return string(id) }

// Short returns the first n hex characters of id, for display.
func (id ID) Short(n int) string {
	if n >= len(id) {
		return string(id)
	}
	return string(id)[:n]
}

// HasPrefix reports whether id starts with prefix (case-sensitive hex
// comparison "/ prefix selects by ID prefix").
func (id ID) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(id), prefix)
}

// GeneratorID mirrors "Generator": first 20 hex chars of the
// SHA-256 of an absolute path.
func GeneratorID(absPath string) ID {
	return NewID([]byte(absPath))
}

// canonicalFloat formats a float64 in a sort-stable way
// parameters in a spec's name/ID: "%.16e".
func canonicalFloat(f float64) string {
	return fmt.Sprintf("%.16e", f)
}

// CanonicalParamString renders a scalar parameter value into the string
// form used both for display names and for ID hashing. Strings and
// booleans render as-is; floats use the canonical %.16e format so that
// e.g. 1.0 and 1.00 hash identically regardless of how the generator wrote
// them, while integers keep their natural decimal form.
func CanonicalParamString(v any) string {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return canonicalFloat(t)
		}
		return canonicalFloat(t)
	case float32:
		return canonicalFloat(float64(t))
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// sortedParamPairs returns params' entries sorted by key, used both for
// Name() and for ID hashing so ordering never affects identity.
func sortedParamPairs(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, CanonicalParamString(params[k])))
	}
	return pairs
}
