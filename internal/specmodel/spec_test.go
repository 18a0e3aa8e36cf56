package specmodel

import "testing"

func TestNameSortsParameters(t *testing.T) {
	s := &UnresolvedSpec{Family: "foo", Parameters: map[string]any{"b": 2, "a": 1}}
	if got, want := s.Name(), "foo.a=1.b=2"; got != want {
		t.Fatalf("Name() = %q, want %q", got, want)
	}
}

func TestComputeIDDeterministic(t *testing.T) {
	mk := func() *UnresolvedSpec {
		return &UnresolvedSpec{
			Family:     "foo",
			Parameters: map[string]any{"np": 2},
			VCSRelPath: "tests/foo.pyt",
			FileBytes:  []byte("print(1)"),
		}
	}
	a, b := mk(), mk()
	if a.ComputeID() != b.ComputeID() {
		t.Fatal("ComputeID not deterministic across identical inputs")
	}

	b.Parameters["np"] = 4
	if a.ComputeID() == b.ComputeID() {
		t.Fatal("ComputeID did not change when parameters changed")
	}

	c := mk()
	c.FileBytes = []byte("print(2)")
	if a.ComputeID() == c.ComputeID() {
		t.Fatal("ComputeID did not change when file bytes changed")
	}

	d := mk()
	d.VCSRelPath = "tests/bar.pyt"
	if a.ComputeID() == d.ComputeID() {
		t.Fatal("ComputeID did not change when VCS relative path changed")
	}
}

func TestMatchesIDPrefix(t *testing.T) {
	s := &UnresolvedSpec{Family: "foo", FilePath: "tests/foo.pyt"}
	id := s.ComputeID()
	if !s.Matches(id, "/"+id.Short(6)) {
		t.Fatalf("expected /%s prefix to match id %s", id.Short(6), id)
	}
	if s.Matches(id, "/ffffffffff") {
		t.Fatal("unrelated prefix should not match")
	}
}

func TestMatchesGlobAndFields(t *testing.T) {
	s := &UnresolvedSpec{Family: "foo", FilePath: "tests/foo.pyt", Parameters: map[string]any{"np": 2}}
	id := s.ComputeID()
	if !s.Matches(id, "foo.np=2") {
		t.Fatal("expected exact name match")
	}
	if !s.Matches(id, "foo.*") {
		t.Fatal("expected glob match on name")
	}
	if !s.Matches(id, "tests/foo.pyt") {
		t.Fatal("expected file_path match")
	}
}

func TestMaskMonotonic(t *testing.T) {
	var m Mask
	m.Set("first reason")
	m.Set("second reason")
	if m.Reason != "first reason" {
		t.Fatalf("mask reason changed after already set: %q", m.Reason)
	}
	if !m.Value {
		t.Fatal("mask should be set")
	}
}

func TestResolvedSpecInvariant(t *testing.T) {
	r := &ResolvedSpec{DepDoneCriteria: []string{"success"}}
	if err := r.CheckInvariant(); err == nil {
		t.Fatal("expected mismatch error")
	}
	r.Dependencies = []*ResolvedSpec{{ID: "a"}}
	if err := r.CheckInvariant(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
