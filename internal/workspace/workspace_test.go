package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/sandialabs/canary/internal/canaryconfig"
	"github.com/sandialabs/canary/internal/generator"
	"github.com/sandialabs/canary/internal/specmodel"
	"github.com/sandialabs/canary/internal/store"
)

// stubGenerator claims any file ending in ".stub" and emits one spec named
// after the file's base name, with no dependency patterns.
type stubGenerator struct{}

func (stubGenerator) Name() string { return "stub" }
func (stubGenerator) Matches(path string) bool {
	return filepath.Ext(path) == ".stub"
}
func (stubGenerator) Lock(_ context.Context, path string, _ generator.Options) ([]specmodel.UnresolvedSpec, error) {
	family := filepath_base_no_ext(path)
	return []specmodel.UnresolvedSpec{{
		FileRoot:   filepath.Dir(path),
		FilePath:   path,
		Family:     family,
		VCSRelPath: path,
		Parameters: map[string]any{},
	}}, nil
}

func filepath_base_no_ext(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// newTestWorkspace opens a workspace store against a real temp directory
// (SQLite needs a real file) while using afero.NewOsFs() for every other
// filesystem operation, matching the precedent set by executor_test.go.
func newTestWorkspace(t *testing.T) (*Workspace, string) {
	t.Helper()
	dir := t.TempDir()
	fs := afero.NewOsFs()
	reg := generator.NewRegistry(stubGenerator{})
	w, err := Create(fs, dir, canaryconfig.Default(), reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w, dir
}

func writeStub(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("# stub\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	w, dir := newTestWorkspace(t)
	reg := generator.NewRegistry(stubGenerator{})

	loaded, err := Load(afero.NewOsFs(), dir, canaryconfig.Default(), reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer loaded.Close()

	if loaded.Dir != w.Dir {
		t.Fatalf("expected same anchor dir, got %s vs %s", loaded.Dir, w.Dir)
	}
}

func TestAddAndGenerateSpecs(t *testing.T) {
	w, dir := newTestWorkspace(t)
	ctx := context.Background()

	writeStub(t, dir, "a.stub")
	writeStub(t, dir, "b.stub")

	if err := w.Add(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}

	specs, err := w.GenerateSpecs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}

	// A second call with the same inputs must hit the memoized cache
	// rather than re-running generators.
	again, err := w.GenerateSpecs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 2 {
		t.Fatalf("expected cached 2 specs, got %d", len(again))
	}
}

func TestSelectPersistsSnapshot(t *testing.T) {
	w, dir := newTestWorkspace(t)
	ctx := context.Background()
	writeStub(t, dir, "a.stub")
	if err := w.Add(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}
	specs, err := w.GenerateSpecs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	survivors, _, err := w.Select(ctx, specs, SelectOptions{Tag: "nightly"})
	if err != nil {
		t.Fatal(err)
	}
	if len(survivors) != 1 {
		t.Fatalf("expected 1 surviving spec, got %d", len(survivors))
	}

	tags, err := w.Store.Tags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, tag := range tags {
		if tag == "nightly" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 'nightly' tag to be persisted, got %v", tags)
	}
}

func TestSessionAndAddSessionResults(t *testing.T) {
	w, dir := newTestWorkspace(t)
	ctx := context.Background()
	writeStub(t, dir, "a.stub")
	if err := w.Add(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}
	specs, err := w.GenerateSpecs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	sess, err := w.Session(specs)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Cases()) != 1 {
		t.Fatalf("expected 1 case, got %d", len(sess.Cases()))
	}
	sess.Cases()[0].SetStatus(specmodel.NewStatus(specmodel.StateSuccess, "", 0))
	sess.Cases()[0].Timekeeper = specmodel.Timekeeper{StartedOn: time.Now(), FinishedOn: time.Now()}

	if err := w.AddSessionResults(ctx, sess); err != nil {
		t.Fatal(err)
	}

	status, _, _, err := w.Store.GetResult(ctx, specs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != specmodel.StateSuccess {
		t.Fatalf("expected success, got %v", status.State)
	}

	if exists, _ := afero.Exists(afero.NewOsFs(), filepath.Join(dir, "view", viewTag)); !exists {
		t.Fatal("expected view tag to be written by RebuildView")
	}
}

func TestGCDryRunReportsWithoutRemoving(t *testing.T) {
	w, dir := newTestWorkspace(t)
	ctx := context.Background()
	writeStub(t, dir, "a.stub")
	if err := w.Add(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}
	specs, err := w.GenerateSpecs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	sess1, err := w.Session(specs)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddSessionResults(ctx, sess1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	sess2, err := w.Session(specs)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddSessionResults(ctx, sess2); err != nil {
		t.Fatal(err)
	}

	removed, err := w.GC(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected the older session's case dir to be flagged, got %v", removed)
	}
	if exists, _ := afero.Exists(afero.NewOsFs(), removed[0]); !exists {
		t.Fatal("dryrun must not remove anything")
	}
}

func TestRerunSpecsNotRunSeedsEverythingAndMasksUpstream(t *testing.T) {
	w, dir := newTestWorkspace(t)
	ctx := context.Background()

	parentPath := writeStub(t, dir, "a.stub")
	childPath := writeStub(t, dir, "b.stub")
	_ = parentPath
	_ = childPath

	parent := &specmodel.ResolvedSpec{ID: specmodel.ID("p0000000000000000000")}
	parent.Family = "parent"
	parent.FilePath = parentPath
	child := &specmodel.ResolvedSpec{ID: specmodel.ID("c0000000000000000000")}
	child.Family = "child"
	child.FilePath = childPath
	child.Dependencies = []*specmodel.ResolvedSpec{parent}
	child.DepDoneCriteria = []string{"*"}

	if err := w.Store.PutSpecs(ctx, "sig-1", []*specmodel.ResolvedSpec{parent, child}); err != nil {
		t.Fatal(err)
	}

	closure, err := w.RerunSpecs(ctx, RerunNotRun)
	if err != nil {
		t.Fatal(err)
	}
	if len(closure) != 2 {
		t.Fatalf("expected both specs in the not_run closure, got %d", len(closure))
	}

	p := &specmodel.ResolvedSpec{ID: parent.ID}
	p.Family = "parent"
	pCase := specmodel.NewTestCase(p, specmodel.ExecutionSpace{})
	pCase.SetStatus(specmodel.NewStatus(specmodel.StateSuccess, "", 0))
	pCase.Timekeeper = specmodel.Timekeeper{StartedOn: time.Now(), FinishedOn: time.Now()}
	if err := w.Store.PutResults(ctx, []*specmodel.TestCase{pCase}); err != nil {
		t.Fatal(err)
	}

	closure2, err := w.RerunSpecs(ctx, RerunNotRun)
	if err != nil {
		t.Fatal(err)
	}
	var parentInClosure *specmodel.ResolvedSpec
	for _, s := range closure2 {
		if s.ID == parent.ID {
			parentInClosure = s
		}
	}
	if parentInClosure == nil {
		t.Fatal("expected parent to still be present as upstream context")
	}
	if !parentInClosure.Mask.Value || parentInClosure.Mask.Reason != "Skip upstream specs" {
		t.Fatalf("expected parent masked as upstream-only, got %+v", parentInClosure.Mask)
	}
}
