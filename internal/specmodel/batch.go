package specmodel

import (
	"math"
	"sort"
)

// Batch is an unordered bag of TestCases scheduled as one unit. Its
// invariant: every dependency of a batched case either lies inside the
// same batch (status begins pending) or is already resolved externally
// (status begins ready).
type Batch struct {
	ID    ID
	Cases []*TestCase
}

// NewBatch computes a Batch's synthetic ID (first 20 hex of SHA-256 over
// the sorted case IDs); its runtime comes from Runtime, given the packed
// height.
func NewBatch(cases []*TestCase) *Batch {
	ids := make([]string, len(cases))
	for i, c := range cases {
		ids[i] = string(c.Spec.ID)
	}
	sort.Strings(ids)
	joined := ""
	for _, id := range ids {
		joined += id
	}
	b := &Batch{ID: NewID([]byte(joined)), Cases: cases}
	return b
}

// Runtime is min(packed-rectangle height, sum of per-case runtimes)
//. height is supplied by the caller (the scheduler's packer,
// which already computed the strip height while placing these cases).
func (b *Batch) Runtime(packedHeight float64) float64 {
	sum := 0.0
	for _, c := range b.Cases {
		sum += estimateRuntime(c)
	}
	return math.Min(packedHeight, sum)
}

func estimateRuntime(c *TestCase) float64 {
	if c.Timekeeper.Duration() > 0 {
		return c.Timekeeper.Duration()
	}
	if c.Spec.Timeout > 0 {
		return c.Spec.Timeout
	}
	return 60
}

// SelectorSnapshot is a serializable, replay-able record of one selection
// pass: the spec set it ran over, which specs it masked and
// why, the rule set that produced it, and when.
type SelectorSnapshot struct {
	SpecSetID string            `json:"spec_set_id"`
	Masked    map[ID]string     `json:"masked"`
	Rules     []map[string]any  `json:"rules"`
	CreatedOn string            `json:"created_on"`
}
