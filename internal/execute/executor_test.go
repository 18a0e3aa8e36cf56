package execute

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/sandialabs/canary/internal/canaryconfig"
	"github.com/sandialabs/canary/internal/resource"
	"github.com/sandialabs/canary/internal/specmodel"
)

// scriptLauncher runs an inline shell script instead of a real test file,
// so these tests don't depend on any on-disk fixture.
type scriptLauncher struct{ script string }

func (l *scriptLauncher) Command(ctx context.Context, _ *specmodel.TestCase, env LaunchEnv) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", l.script)
	cmd.Dir = env.Dir
	cmd.Env = env.Environ
	return cmd, nil
}

func newCase(t *testing.T, name string) *specmodel.TestCase {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "canary-test-*.sh")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	spec := &specmodel.ResolvedSpec{ID: specmodel.ID(name)}
	spec.Family = name
	spec.FilePath = f.Name()
	root := t.TempDir()
	c := specmodel.NewTestCase(spec, specmodel.ExecutionSpace{
		Root: root,
		Path: filepath.Join(root, name),
	})
	return c
}

func TestDispatchSuccess(t *testing.T) {
	c := newCase(t, "ok")
	e := NewExecutor(&scriptLauncher{script: "exit 0"}, afero.NewOsFs(), canaryconfig.ExitCodeConfig{Diff: 64, Skip: 63, Timeout: 65})

	if err := e.Dispatch(context.Background(), c, resource.Allocation{}); err != nil {
		t.Fatal(err)
	}
	if c.GetStatus().State != specmodel.StateSuccess {
		t.Fatalf("expected success, got %v (%s)", c.GetStatus().State, c.GetStatus().Reason)
	}
	if _, ok := e.Runtimes.Stats(c.Spec.ID); !ok {
		t.Fatal("expected runtime to be recorded on success")
	}
	if _, err := os.Stat(filepath.Join(c.Workspace.Path, "testcase.lock")); err != nil {
		t.Fatalf("expected lockfile to be written: %v", err)
	}
}

func TestDispatchFailure(t *testing.T) {
	c := newCase(t, "fail")
	e := NewExecutor(&scriptLauncher{script: "exit 7"}, afero.NewOsFs(), canaryconfig.ExitCodeConfig{Diff: 64, Skip: 63, Timeout: 65})

	if err := e.Dispatch(context.Background(), c, resource.Allocation{}); err != nil {
		t.Fatal(err)
	}
	if c.GetStatus().State != specmodel.StateFailed {
		t.Fatalf("expected failed, got %v", c.GetStatus().State)
	}
	if c.GetStatus().Code != 7 {
		t.Fatalf("expected code 7, got %d", c.GetStatus().Code)
	}
}

func TestDispatchDiffSentinel(t *testing.T) {
	c := newCase(t, "diff")
	c.Spec.Diff = true
	e := NewExecutor(&scriptLauncher{script: "exit 64"}, afero.NewOsFs(), canaryconfig.ExitCodeConfig{Diff: 64, Skip: 63, Timeout: 65})

	if err := e.Dispatch(context.Background(), c, resource.Allocation{}); err != nil {
		t.Fatal(err)
	}
	if c.GetStatus().State != specmodel.StateDiffed {
		t.Fatalf("expected diffed, got %v", c.GetStatus().State)
	}
}

func TestDispatchXStatusExpectedFailure(t *testing.T) {
	c := newCase(t, "xfail")
	c.Spec.XStatus = specmodel.XStatusAnyFail
	e := NewExecutor(&scriptLauncher{script: "exit 3"}, afero.NewOsFs(), canaryconfig.ExitCodeConfig{Diff: 64, Skip: 63, Timeout: 65})

	if err := e.Dispatch(context.Background(), c, resource.Allocation{}); err != nil {
		t.Fatal(err)
	}
	if c.GetStatus().State != specmodel.StateSuccess {
		t.Fatalf("expected xfail to resolve to success, got %v", c.GetStatus().State)
	}
}

func TestDispatchTimeout(t *testing.T) {
	c := newCase(t, "slow")
	c.Spec.Timeout = 0.1
	e := NewExecutor(&scriptLauncher{script: "sleep 5"}, afero.NewOsFs(), canaryconfig.ExitCodeConfig{Diff: 64, Skip: 63, Timeout: 65})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Dispatch(ctx, c, resource.Allocation{}); err != nil {
		t.Fatal(err)
	}
	if c.GetStatus().State != specmodel.StateTimeout {
		t.Fatalf("expected timeout, got %v", c.GetStatus().State)
	}
}

func TestDispatchSetupFailureMarksInvalid(t *testing.T) {
	spec := &specmodel.ResolvedSpec{ID: specmodel.ID("broken")}
	spec.FilePath = "/nonexistent/file"
	c := specmodel.NewTestCase(spec, specmodel.ExecutionSpace{}) // no workspace path

	e := NewExecutor(&scriptLauncher{script: "exit 0"}, afero.NewOsFs(), canaryconfig.ExitCodeConfig{Diff: 64, Skip: 63, Timeout: 65})
	if err := e.Dispatch(context.Background(), c, resource.Allocation{}); err != nil {
		t.Fatal(err)
	}
	if c.GetStatus().State != specmodel.StateInvalid {
		t.Fatalf("expected invalid, got %v", c.GetStatus().State)
	}
}

func TestDispatchMissingAssetMarksSkipped(t *testing.T) {
	c := newCase(t, "missing-asset")
	c.Spec.Assets = []specmodel.Asset{
		{Src: "/nonexistent/asset/file", Action: specmodel.AssetCopy},
	}

	e := NewExecutor(&scriptLauncher{script: "exit 0"}, afero.NewOsFs(), canaryconfig.ExitCodeConfig{Diff: 64, Skip: 63, Timeout: 65})
	if err := e.Dispatch(context.Background(), c, resource.Allocation{}); err != nil {
		t.Fatal(err)
	}
	if c.GetStatus().State != specmodel.StateSkipped {
		t.Fatalf("expected skipped, got %v (%s)", c.GetStatus().State, c.GetStatus().Reason)
	}
	if c.GetStatus().Code != 63 {
		t.Fatalf("expected skip exit code, got %d", c.GetStatus().Code)
	}
}

func TestEnvSetPrependPathDedupesKey(t *testing.T) {
	e := newEnvSet([]string{"PATH=/usr/bin", "FOO=bar"})
	e.prependPath("PATH", "/work", ":")
	v, ok := e.get("PATH")
	if !ok || v != "/work:/usr/bin" {
		t.Fatalf("expected prepended PATH, got %q", v)
	}
	if len(e.list()) != 2 {
		t.Fatalf("expected no duplicate PATH entry, got %v", e.list())
	}
}

func TestRuntimeCacheWelford(t *testing.T) {
	rc := NewRuntimeCache()
	rc.Record("x", 10)
	rc.Record("x", 20)
	rc.Record("x", 30)
	mean, max, ok := rc.Stats("x")
	if !ok || mean != 20 || max != 30 {
		t.Fatalf("expected mean=20 max=30, got mean=%v max=%v ok=%v", mean, max, ok)
	}
	if min, ok := rc.Min("x"); !ok || min != 10 {
		t.Fatalf("expected min=10, got %v", min)
	}
}
