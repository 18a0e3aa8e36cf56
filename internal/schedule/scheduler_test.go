package schedule

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sandialabs/canary/internal/canaryconfig"
	"github.com/sandialabs/canary/internal/resource"
	"github.com/sandialabs/canary/internal/specmodel"
)

type recordingDispatcher struct{ ran []specmodel.ID }

func (d *recordingDispatcher) Dispatch(_ context.Context, c *specmodel.TestCase, _ resource.Allocation) error {
	d.ran = append(d.ran, c.Spec.ID)
	c.SetStatus(specmodel.NewStatus(specmodel.StateSuccess, "", 0))
	return nil
}

func newCase(id string, deps []specmodel.ID, criteria []string) *specmodel.TestCase {
	spec := &specmodel.ResolvedSpec{ID: specmodel.ID(id)}
	spec.Dependencies = nil
	c := specmodel.NewTestCase(spec, specmodel.ExecutionSpace{})
	c.Dependencies = deps
	c.DepDoneCriteria = criteria
	return c
}

func TestSchedulerRunsLinearChain(t *testing.T) {
	parent := newCase("p", nil, nil)
	child := newCase("c", []specmodel.ID{"p"}, []string{"*"})

	pool := resource.New(canaryconfig.ResourceInventory{CPUsPerNode: 2, Nodes: 1})
	disp := &recordingDispatcher{}
	s := &Scheduler{Pool: pool, Dispatcher: disp, PollInterval: 50}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx, []*specmodel.TestCase{parent, child}); err != nil {
		t.Fatal(err)
	}
	if parent.GetStatus().State != specmodel.StateSuccess || child.GetStatus().State != specmodel.StateSuccess {
		t.Fatalf("expected both cases to succeed, got parent=%v child=%v", parent.GetStatus().State, child.GetStatus().State)
	}
	if len(disp.ran) != 2 || disp.ran[0] != "p" {
		t.Fatalf("expected parent dispatched before child, got %v", disp.ran)
	}
}

func TestSchedulerPropagatesDependencyFailure(t *testing.T) {
	parent := newCase("p", nil, nil)
	parent.SetStatus(specmodel.NewStatus(specmodel.StateFailed, "boom", 1))
	child := newCase("c", []specmodel.ID{"p"}, []string{"*"})

	pool := resource.New(canaryconfig.ResourceInventory{CPUsPerNode: 2, Nodes: 1})
	disp := &recordingDispatcher{}
	s := &Scheduler{Pool: pool, Dispatcher: disp, PollInterval: 50}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx, []*specmodel.TestCase{parent, child}); err != nil {
		t.Fatal(err)
	}
	if child.GetStatus().State != specmodel.StateSkipped {
		t.Fatalf("expected child to be skipped, got %v", child.GetStatus().State)
	}
	if len(disp.ran) != 0 {
		t.Fatalf("expected child never dispatched, got %v", disp.ran)
	}
}

func TestSchedulerSkipsDependentOnDiffedParent(t *testing.T) {
	parent := newCase("p", nil, nil)
	parent.SetStatus(specmodel.NewStatus(specmodel.StateDiffed, "", 64))
	child := newCase("c", []specmodel.ID{"p"}, []string{"success"})

	pool := resource.New(canaryconfig.ResourceInventory{CPUsPerNode: 2, Nodes: 1})
	disp := &recordingDispatcher{}
	s := &Scheduler{Pool: pool, Dispatcher: disp, PollInterval: 50}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx, []*specmodel.TestCase{parent, child}); err != nil {
		t.Fatal(err)
	}
	if child.GetStatus().State != specmodel.StateSkipped {
		t.Fatalf("expected child to be skipped, got %v", child.GetStatus().State)
	}
	if !strings.Contains(child.GetStatus().Reason, "diffed") {
		t.Fatalf("expected reason to mention diffed, got %q", child.GetStatus().Reason)
	}
	if len(disp.ran) != 0 {
		t.Fatalf("expected child never dispatched, got %v", disp.ran)
	}
}

func TestMakeBatchesIsolate(t *testing.T) {
	c1 := newCase("a", nil, nil)
	c2 := newCase("b", nil, nil)
	batches := MakeBatches([]*specmodel.TestCase{c1, c2}, BatchOptions{Policy: PolicyIsolate})
	if len(batches) != 2 {
		t.Fatalf("expected 2 isolated batches, got %d", len(batches))
	}
}

func TestMakeBatchesCount(t *testing.T) {
	cases := make([]*specmodel.TestCase, 6)
	for i := range cases {
		cases[i] = newCase(string(rune('a'+i)), nil, nil)
	}
	batches := MakeBatches(cases, BatchOptions{Policy: PolicyCount, Count: 2})
	if len(batches) > 2 {
		t.Fatalf("expected at most 2 batches, got %d", len(batches))
	}
}
