package session

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/sandialabs/canary/internal/canaryconfig"
	"github.com/sandialabs/canary/internal/specmodel"
)

func mkSpecs() []*specmodel.ResolvedSpec {
	parent := &specmodel.ResolvedSpec{ID: specmodel.ID("p0000000000000000000")}
	parent.Family = "parent"
	parent.FilePath = "parent.pyt"
	child := &specmodel.ResolvedSpec{ID: specmodel.ID("c0000000000000000000")}
	child.Family = "child"
	child.FilePath = "child.pyt"
	child.Dependencies = []*specmodel.ResolvedSpec{parent}
	child.DepDoneCriteria = []string{"*"}
	return []*specmodel.ResolvedSpec{parent, child}
}

func TestCreateAndLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	specs := mkSpecs()
	cfg := canaryconfig.Default()

	s, err := Create(fs, "/anchor", specs, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Cases()) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(s.Cases()))
	}
	if exists, _ := afero.Exists(fs, s.Root+"/SESSION.TAG"); !exists {
		t.Fatal("expected session tag to be written")
	}

	loaded, loadedCfg, err := Load(fs, s.Root)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Cases()) != 2 {
		t.Fatalf("expected 2 reloaded cases, got %d", len(loaded.Cases()))
	}
	if loadedCfg.Timeouts.Default != cfg.Timeouts.Default {
		t.Fatalf("expected config snapshot to round-trip, got %v", loadedCfg.Timeouts.Default)
	}

	var child *specmodel.TestCase
	for _, c := range loaded.Cases() {
		if c.Spec.Family == "child" {
			child = c
		}
	}
	if child == nil {
		t.Fatal("expected child case to be present")
	}
	if len(child.Spec.Dependencies) != 1 || child.Spec.Dependencies[0].Family != "parent" {
		t.Fatalf("expected child's dependency pointer to resolve to parent, got %v", child.Spec.Dependencies)
	}
}

func TestCreateRejectsExistingSession(t *testing.T) {
	fs := afero.NewMemMapFs()
	specs := mkSpecs()
	cfg := canaryconfig.Default()

	s, err := Create(fs, "/anchor", specs, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Create(fs, "/anchor", specs, cfg); err == nil {
		t.Fatal("expected second Create at the same root to be rejected")
	}
	_ = s
}

func TestGetReadyFiltersByRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	specs := mkSpecs()
	s, err := Create(fs, "/anchor", specs, canaryconfig.Default())
	if err != nil {
		t.Fatal(err)
	}

	ready, err := s.GetReady([]string{string(specs[0].ID)})
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].Spec.ID != specs[0].ID {
		t.Fatalf("expected only the parent case, got %v", ready)
	}

	if _, err := s.GetReady([]string{"doesnotexist"}); err == nil {
		t.Fatal("expected unresolvable root to error")
	}
}

func TestExitCodeTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Create(fs, "/anchor", mkSpecs(), canaryconfig.Default())
	if err != nil {
		t.Fatal(err)
	}
	cases := s.Cases()
	cases[0].SetStatus(specmodel.NewStatus(specmodel.StateSuccess, "", 0))
	cases[1].SetStatus(specmodel.NewStatus(specmodel.StateDiffed, "", 64))
	if got := s.ExitCode(); got != 64 {
		t.Fatalf("expected DIFF exit code 64, got %d", got)
	}

	cases[1].SetStatus(specmodel.NewStatus(specmodel.StateTimeout, "", 65))
	if got := s.ExitCode(); got != 2 {
		t.Fatalf("expected TIMEOUT bit 2 to take precedence over diff, got %d", got)
	}
}

func TestSortedIDsIsStable(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Create(fs, "/anchor", mkSpecs(), canaryconfig.Default())
	if err != nil {
		t.Fatal(err)
	}
	a := sortedIDs(s.Cases())
	b := sortedIDs(s.Cases())
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected stable ordering, got %v vs %v", a, b)
		}
	}
}
