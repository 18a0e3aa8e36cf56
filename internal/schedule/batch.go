// Package schedule implements the batcher and scheduler, grounded on
// original_source/src/_canary/test/batch.py and util/partitioning.py.
package schedule

import (
	"math"
	"sort"

	"github.com/sandialabs/canary/internal/specmodel"
)

// Policy selects a batching scheme.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyCount
	PolicyIsolate
	PolicyDuration
)

// BatchOptions parametrizes a Policy: Count for PolicyCount, Duration (and
// CPUsPerNode, for strip width) for PolicyDuration.
type BatchOptions struct {
	Policy      Policy
	Count       int
	Duration    float64
	CPUsPerNode int
}

// rectangle is one case's placement footprint for PolicyDuration packing:
// width = cpus, height = estimated runtime.
type rectangle struct {
	Case   *specmodel.TestCase
	Width  int
	Height float64
}

// MakeBatches partitions ready cases per opts. PolicyNone
// returns one batch per case (the scheduler runs them directly, unbatched,
// but a uniform return shape simplifies the caller).
func MakeBatches(cases []*specmodel.TestCase, opts BatchOptions) []*specmodel.Batch {
	switch opts.Policy {
	case PolicyIsolate, PolicyNone:
		return isolate(cases)
	case PolicyCount:
		return countPack(cases, opts.Count)
	case PolicyDuration:
		return durationPack(cases, opts)
	default:
		return isolate(cases)
	}
}

func isolate(cases []*specmodel.TestCase) []*specmodel.Batch {
	out := make([]*specmodel.Batch, 0, len(cases))
	for _, c := range cases {
		out = append(out, specmodel.NewBatch([]*specmodel.TestCase{c}))
	}
	return out
}

// countPack partitions ready cases into at most n batches, minimizing
// sqrt(sum(runtime^2, cpus^2, gpus^2)) per batch by a greedy
// smallest-bucket-first assignment.
func countPack(cases []*specmodel.TestCase, n int) []*specmodel.Batch {
	if n <= 0 {
		n = 1
	}
	if n >= len(cases) {
		return isolate(cases)
	}
	type bucket struct {
		cases []*specmodel.TestCase
		norm  float64
	}
	buckets := make([]bucket, n)

	sorted := append([]*specmodel.TestCase(nil), cases...)
	sort.Slice(sorted, func(i, j int) bool { return caseSize(sorted[i]) > caseSize(sorted[j]) })

	for _, c := range sorted {
		best := 0
		for i := 1; i < n; i++ {
			if buckets[i].norm < buckets[best].norm {
				best = i
			}
		}
		buckets[best].cases = append(buckets[best].cases, c)
		buckets[best].norm = vectorNorm(buckets[best].cases)
	}

	var out []*specmodel.Batch
	for _, b := range buckets {
		if len(b.cases) > 0 {
			out = append(out, specmodel.NewBatch(b.cases))
		}
	}
	return out
}

func caseSize(c *specmodel.TestCase) float64 {
	return vectorNorm([]*specmodel.TestCase{c})
}

func vectorNorm(cases []*specmodel.TestCase) float64 {
	var runtime, cpus, gpus float64
	for _, c := range cases {
		runtime += estimateRuntime(c)
		cr, gr := requiredCounts(c)
		cpus += float64(cr)
		gpus += float64(gr)
	}
	return math.Sqrt(runtime*runtime + cpus*cpus + gpus*gpus)
}

func requiredCounts(c *specmodel.TestCase) (cpus, gpus int) {
	if c.Spec == nil {
		return 0, 0
	}
	for name, v := range c.Spec.Parameters {
		n, ok := asInt(v)
		if !ok {
			continue
		}
		switch name {
		case "cpus":
			cpus += n
		case "gpus":
			gpus += n
		}
	}
	return cpus, gpus
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// estimateRuntime implements the runtime estimator: the case's own
// measured duration if it has one; else, from the runtime cache's
// Measurements["mean_runtime"]/["max_runtime"], the weighted (mean+max)/2
// scaled by duration decile when max exceeds mean, or the mean itself;
// else the spec's declared timeout; else a conservative default.
func estimateRuntime(c *specmodel.TestCase) float64 {
	if c.Timekeeper.Duration() > 0 {
		return c.Timekeeper.Duration()
	}
	if c.Measurements != nil {
		if mean, ok := c.Measurements["mean_runtime"].(float64); ok && mean > 0 {
			if max, ok := c.Measurements["max_runtime"].(float64); ok && max > mean {
				return decileScale(mean, max)
			}
			return mean
		}
	}
	if c.Spec != nil && c.Spec.Timeout > 0 {
		return c.Spec.Timeout
	}
	return 60
}

// decileScale implements the "(mean+max)/2 scaled 5x/4x/3x/2x/1.25x by
// duration decile" fallback of : shorter historical runtimes
// get a larger safety multiplier since their relative variance is higher.
func decileScale(mean, max float64) float64 {
	base := (mean + max) / 2
	switch {
	case mean < 1:
		return base * 5
	case mean < 10:
		return base * 4
	case mean < 60:
		return base * 3
	case mean < 300:
		return base * 2
	default:
		return base * 1.25
	}
}

// durationPack implements the first-fit-decreasing 2D rectangle packing of
// : cases as (width=cpus, height=runtime) rectangles packed
// into strips of width = ceil(max(cpus)/cpus_per_node)*cpus_per_node and
// height = max(max-runtime, T). Exclusive cases are widened to a full
// strip width.
func durationPack(cases []*specmodel.TestCase, opts BatchOptions) []*specmodel.Batch {
	if len(cases) == 0 {
		return nil
	}
	cpn := opts.CPUsPerNode
	if cpn <= 0 {
		cpn = 1
	}

	rects := make([]rectangle, len(cases))
	maxCPUs := 0
	maxRuntime := 0.0
	for i, c := range cases {
		cpus, _ := requiredCounts(c)
		if cpus <= 0 {
			cpus = 1
		}
		rt := estimateRuntime(c)
		rects[i] = rectangle{Case: c, Width: cpus, Height: rt}
		if cpus > maxCPUs {
			maxCPUs = cpus
		}
		if rt > maxRuntime {
			maxRuntime = rt
		}
	}
	stripWidth := ceilToMultiple(maxCPUs, cpn)
	stripHeight := math.Max(maxRuntime, opts.Duration)

	sort.Slice(rects, func(i, j int) bool { return rects[i].Height > rects[j].Height })

	type strip struct {
		used  int
		cases []*specmodel.TestCase
	}
	var strips []*strip
	for _, r := range rects {
		width := r.Width
		if r.Case.Spec != nil && r.Case.Spec.Exclusive {
			width = stripWidth
		}
		placed := false
		for _, s := range strips {
			if s.used+width <= stripWidth && r.Height <= stripHeight {
				s.used += width
				s.cases = append(s.cases, r.Case)
				placed = true
				break
			}
		}
		if !placed {
			strips = append(strips, &strip{used: width, cases: []*specmodel.TestCase{r.Case}})
		}
	}

	out := make([]*specmodel.Batch, 0, len(strips))
	for _, s := range strips {
		out = append(out, specmodel.NewBatch(s.cases))
	}
	return out
}

func ceilToMultiple(n, m int) int {
	if m <= 0 {
		return n
	}
	if n%m == 0 {
		return n
	}
	return (n/m + 1) * m
}
