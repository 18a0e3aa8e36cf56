package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sandialabs/canary/internal/specmodel"
)

func mkSpecs() []*specmodel.ResolvedSpec {
	parent := &specmodel.ResolvedSpec{ID: specmodel.ID("a0000000000000000000")}
	parent.Family = "parent"
	parent.FilePath = "parent.pyt"
	child := &specmodel.ResolvedSpec{ID: specmodel.ID("c0000000000000000000")}
	child.Family = "child"
	child.FilePath = "child.pyt"
	child.Dependencies = []*specmodel.ResolvedSpec{parent}
	child.DepDoneCriteria = []string{"*"}
	return []*specmodel.ResolvedSpec{parent, child}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workspace.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetSpecsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	specs := mkSpecs()

	if err := s.PutSpecs(ctx, "sig-1", specs); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSpecs(ctx, nil, "sig-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(got))
	}

	var child *specmodel.ResolvedSpec
	for _, rs := range got {
		if rs.Family == "child" {
			child = rs
		}
	}
	if child == nil {
		t.Fatal("expected child spec to be present")
	}
	if len(child.Dependencies) != 1 || child.Dependencies[0].Family != "parent" {
		t.Fatalf("expected child's dependency pointer to resolve to parent, got %v", child.Dependencies)
	}
}

func TestGetSpecsByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	specs := mkSpecs()
	if err := s.PutSpecs(ctx, "sig-1", specs); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSpecs(ctx, []specmodel.ID{specs[0].ID}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != specs[0].ID {
		t.Fatalf("expected only the parent spec, got %v", got)
	}
}

func TestResolveSpecIDPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	specs := mkSpecs()
	if err := s.PutSpecs(ctx, "sig-1", specs); err != nil {
		t.Fatal(err)
	}

	id, err := s.ResolveSpecID(ctx, "a000")
	if err != nil {
		t.Fatal(err)
	}
	if id != specs[0].ID {
		t.Fatalf("expected parent id, got %s", id)
	}
}

func TestResolveSpecIDNotFoundAndAmbiguous(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	specs := []*specmodel.ResolvedSpec{
		{ID: specmodel.ID("aa00000000000000000a")},
		{ID: specmodel.ID("aa00000000000000000b")},
	}
	if err := s.PutSpecs(ctx, "sig-1", specs); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ResolveSpecID(ctx, "bb"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.ResolveSpecID(ctx, "aa0000000000000000"); err != ErrAmbiguous {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}

func TestReachableSpecIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	specs := mkSpecs()
	if err := s.PutSpecs(ctx, "sig-1", specs); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ReachableSpecIDs(ctx, []specmodel.ID{specs[1].ID})
	if err != nil {
		t.Fatal(err)
	}
	want := map[specmodel.ID]bool{specs[0].ID: true, specs[1].ID: true}
	if len(ids) != len(want) {
		t.Fatalf("expected %d reachable ids, got %v", len(want), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected id %s in reachable set", id)
		}
	}
}

func TestUpstreamDownstreamSpecIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	specs := mkSpecs() // specs[0]=parent, specs[1]=child depends on parent

	if err := s.PutSpecs(ctx, "sig-1", specs); err != nil {
		t.Fatal(err)
	}

	up, err := s.UpstreamSpecIDs(ctx, []specmodel.ID{specs[1].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(up) != 1 || up[0] != specs[0].ID {
		t.Fatalf("expected parent as child's upstream, got %v", up)
	}

	down, err := s.DownstreamSpecIDs(ctx, []specmodel.ID{specs[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(down) != 1 || down[0] != specs[1].ID {
		t.Fatalf("expected child as parent's downstream, got %v", down)
	}
}

func TestPutGetResults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	specs := mkSpecs()
	space := specmodel.ExecutionSpace{Root: "/work", Path: "/work/parent", Session: "sess-1"}
	c := specmodel.NewTestCase(specs[0], space)
	c.SetStatus(specmodel.NewStatus(specmodel.StateSuccess, "", 0))

	if err := s.PutResults(ctx, []*specmodel.TestCase{c}); err != nil {
		t.Fatal(err)
	}

	status, _, ws, err := s.GetResult(ctx, specs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != specmodel.StateSuccess {
		t.Fatalf("expected success, got %v", status.State)
	}
	if ws.Session != "sess-1" {
		t.Fatalf("expected session sess-1, got %q", ws.Session)
	}
}

func TestSelectionCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	snap := specmodel.SelectorSnapshot{SpecSetID: "set-1", Masked: map[specmodel.ID]string{"x": "reason"}}

	if err := s.PutSelection(ctx, "nightly", snap); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSelection(ctx, "nightly")
	if err != nil {
		t.Fatal(err)
	}
	if got.SpecSetID != "set-1" {
		t.Fatalf("expected set-1, got %q", got.SpecSetID)
	}

	if err := s.RenameSelection(ctx, "nightly", "weekly"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSelection(ctx, "nightly"); err == nil {
		t.Fatal("expected old tag to be gone after rename")
	}

	tags, err := s.Tags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0] != "weekly" {
		t.Fatalf("expected [weekly], got %v", tags)
	}

	if err := s.DeleteSelection(ctx, "weekly"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSelection(ctx, "weekly"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestBuildSignatureDeterministic(t *testing.T) {
	a := BuildSignature([]string{"b.pyt", "a.pyt"}, map[string]string{"opt2": "v2", "opt1": "v1"})
	b := BuildSignature([]string{"a.pyt", "b.pyt"}, map[string]string{"opt1": "v1", "opt2": "v2"})
	if a != b {
		t.Fatalf("expected order-independent signature, got %q vs %q", a, b)
	}
	c := BuildSignature([]string{"a.pyt"}, map[string]string{"opt1": "v1"})
	if a == c {
		t.Fatal("expected different inputs to produce different signatures")
	}
}
