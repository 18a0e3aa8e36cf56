package schedule

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sandialabs/canary/internal/resource"
	"github.com/sandialabs/canary/internal/specmodel"
)

// Dispatcher runs one TestCase to completion, updating its Status and
// Timekeeper in place via TestCase.SetStatus. Implemented by the executor,
// kept as an interface here so the scheduler is unit-testable
// without a real subprocess launcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *specmodel.TestCase, alloc resource.Allocation) error
}

// Scheduler runs the main dispatch loop: flip ready cases, acquire
// resources for the largest-fitting one, dispatch, release, repeat.
type Scheduler struct {
	Pool       *resource.Pool
	Dispatcher Dispatcher
	Log        *zap.SugaredLogger

	// PollInterval paces the "nothing ready fits yet" retry loop via
	// golang.org/x/time/rate instead of a fixed time.Sleep.
	PollInterval rate.Limit
}

// byID indexes cases for dependency/status lookups during the loop.
type byID map[specmodel.ID]*specmodel.TestCase

// Run executes cases to completion or until ctx is cancelled (propagating
// SIGINT/SIGTERM). Returns the first error the dispatch
// pool surfaces; a per-case failure is recorded on the case's Status, not
// returned.
func (s *Scheduler) Run(ctx context.Context, cases []*specmodel.TestCase) error {
	index := make(byID, len(cases))
	for _, c := range cases {
		index[c.Spec.ID] = c
	}

	limiter := rate.NewLimiter(s.pollRate(), 1)
	p := pool.New().WithContext(ctx).WithCancelOnError()

	for {
		if ctx.Err() != nil {
			markCancelled(cases)
			break
		}

		refreshReady(cases, index)

		next := pickLargestReady(cases, s.Pool)
		if next == nil {
			if allTerminal(cases) {
				break
			}
			if err := limiter.Wait(ctx); err != nil {
				break
			}
			continue
		}

		groups := resource.RequiredFor(s.Pool, next.Spec.Parameters)
		alloc, got := s.Pool.Acquire(groups)
		if !got {
			// Someone else grabbed the fitting resources between the check
			// and the acquire; retry once the limiter allows.
			if err := limiter.Wait(ctx); err != nil {
				break
			}
			continue
		}

		next.SetStatus(specmodel.NewStatus(specmodel.StateRunning, "", 0))
		c := next
		p.Go(func(ctx context.Context) error {
			defer s.Pool.Release(alloc)
			if err := s.Dispatcher.Dispatch(ctx, c, alloc); err != nil {
				if s.Log != nil {
					s.Log.Warnw("case dispatch failed", "spec", string(c.Spec.ID), "err", err)
				}
				c.SetStatus(specmodel.NewStatus(specmodel.StateFailed, err.Error(), 1))
			}
			return nil
		})
	}

	return p.Wait()
}

func (s *Scheduler) pollRate() rate.Limit {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return rate.Limit(pollDefault)
}

// refreshReady flips pending cases whose dependencies are all satisfied
// into ready, and resolves unsatisfiable cases to skipped.
func refreshReady(cases []*specmodel.TestCase, index byID) {
	for _, c := range cases {
		state := c.GetStatus().State
		if state != specmodel.StatePending && state != specmodel.StateCreated {
			continue
		}
		outcome, failedState := depOutcome(c, index)
		switch outcome {
		case depWait:
			c.SetStatus(specmodel.NewStatus(specmodel.StatePending, "", 0))
		case depOK:
			c.SetStatus(specmodel.NewStatus(specmodel.StateReady, "", 0))
		case depFail:
			reason := fmt.Sprintf("a dependency did not satisfy its criterion, dependency is %s", failedState)
			c.SetStatus(specmodel.NewStatus(specmodel.StateSkipped, reason, 0))
		}
	}
}

type depStatus int

const (
	depOK depStatus = iota
	depWait
	depFail
)

// depOutcome reports whether c's dependencies are all satisfied (depOK),
// some are still pending (depWait), or one failed its criterion
// (depFail, along with that dependency's actual terminal state).
func depOutcome(c *specmodel.TestCase, index byID) (depStatus, specmodel.State) {
	for i, depID := range c.Dependencies {
		dep, ok := index[depID]
		if !ok {
			continue // externally-resolved dependency, assumed satisfied
		}
		depState := dep.GetStatus().State
		if !specmodel.IsTerminal(depState) {
			return depWait, ""
		}
		criterion := "*"
		if i < len(c.DepDoneCriteria) {
			criterion = c.DepDoneCriteria[i]
		}
		if !criterionSatisfied(criterion, depState) {
			return depFail, depState
		}
	}
	return depOK, ""
}

// criterionSatisfied reports whether a dependency's terminal state meets
// the declared criterion: "*" matches any non-error completion (success
// or diffed, a benign outcome); any other criterion must equal the
// dependency's terminal state name.
func criterionSatisfied(criterion string, state specmodel.State) bool {
	if criterion == "*" {
		switch state {
		case specmodel.StateFailed, specmodel.StateTimeout, specmodel.StateCancelled,
			specmodel.StateMasked, specmodel.StateSkipped, specmodel.StateNotRun, specmodel.StateInvalid,
			specmodel.StateUnknown:
			return false
		default:
			return true
		}
	}
	return string(state) == criterion
}

// pickLargestReady selects the ready case with the largest size() vector
// norm that currently fits the pool, or nil if none fits.
func pickLargestReady(cases []*specmodel.TestCase, pool *resource.Pool) *specmodel.TestCase {
	var best *specmodel.TestCase
	bestSize := -1.0
	for _, c := range cases {
		if c.GetStatus().State != specmodel.StateReady {
			continue
		}
		groups := resource.RequiredFor(pool, c.Spec.Parameters)
		if ok, _ := pool.Satisfies(groups); !ok {
			continue
		}
		size := caseSize(c)
		if size > bestSize {
			best = c
			bestSize = size
		}
	}
	return best
}

func allTerminal(cases []*specmodel.TestCase) bool {
	for _, c := range cases {
		if !specmodel.IsTerminal(c.GetStatus().State) {
			return false
		}
	}
	return true
}

func markCancelled(cases []*specmodel.TestCase) {
	for _, c := range cases {
		if !specmodel.IsTerminal(c.GetStatus().State) {
			c.SetStatus(specmodel.NewStatus(specmodel.StateCancelled, "session cancelled", 0))
		}
	}
}

const pollDefault = 0.2 // default poll rate (Hz) when nothing is ready yet
