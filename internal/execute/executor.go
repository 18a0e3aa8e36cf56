package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/sandialabs/canary/internal/canaryconfig"
	"github.com/sandialabs/canary/internal/resource"
	"github.com/sandialabs/canary/internal/specmodel"
)

// Executor drives one TestCase through Setup, Launch, Supervise, Interpret
// and Finish and implements schedule.Dispatcher so it plugs straight into
// the scheduler.
type Executor struct {
	Launcher          Launcher
	Fs                afero.Fs
	CopyAllResources  bool
	TimeoutMultiplier float64
	ExitCodes         canaryconfig.ExitCodeConfig
	Log               *zap.SugaredLogger

	// Runtimes is the per-spec run-time cache Finish updates with
	// Welford's streaming mean/var/min/max on successful durations.
	// Callers share one Executor (and so one cache) across a whole
	// session's cases.
	Runtimes *RuntimeCache
}

// NewExecutor builds an Executor with its zero-value defaults filled in.
func NewExecutor(launcher Launcher, fs afero.Fs, exitCodes canaryconfig.ExitCodeConfig) *Executor {
	return &Executor{
		Launcher:          launcher,
		Fs:                fs,
		TimeoutMultiplier: 1.0,
		ExitCodes:         exitCodes,
		Runtimes:          NewRuntimeCache(),
	}
}

// Dispatch runs c to completion, mutating its Status, Timekeeper and
// Measurements in place. Every outcome is recorded on Status, including
// setup failures (a missing asset source marks the case skipped, any other
// setup failure marks it invalid), so the returned error is always nil.
func (e *Executor) Dispatch(ctx context.Context, c *specmodel.TestCase, alloc resource.Allocation) error {
	if err := e.setup(c, alloc); err != nil {
		var missing errMissingAsset
		if errors.As(err, &missing) {
			c.SetStatus(specmodel.NewStatus(specmodel.StateSkipped, err.Error(), e.ExitCodes.Skip))
			return nil
		}
		c.SetStatus(specmodel.NewStatus(specmodel.StateInvalid, err.Error(), 1))
		return nil
	}

	env := e.buildEnv(c, alloc)
	start := time.Now()
	code, runErr := e.launchAndSupervise(ctx, c, env)
	finish := time.Now()

	c.Timekeeper = specmodel.Timekeeper{StartedOn: start, FinishedOn: finish}

	state := e.interpretOutcome(c, code, runErr)
	reason := outcomeReason(state, c, code)
	c.SetStatus(specmodel.NewStatus(state, reason, code))

	e.finish(c, state)
	return nil
}

// setup creates the case's workspace directory, places the test file,
// materializes assets, and writes the lockfile.
func (e *Executor) setup(c *specmodel.TestCase, alloc resource.Allocation) error {
	dir := c.Workspace.Path
	if dir == "" {
		return fmt.Errorf("case %s: no workspace directory assigned", c.Spec.ID)
	}
	if err := e.Fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	testFileDst := filepath.Join(dir, filepath.Base(c.Spec.FilePath))
	if err := e.place(c.Spec.FilePath, testFileDst, e.CopyAllResources); err != nil {
		return fmt.Errorf("placing test file: %w", err)
	}

	for _, asset := range c.Spec.Assets {
		dst := filepath.Join(dir, asset.DestName())
		copyIt := asset.Action == specmodel.AssetCopy || e.CopyAllResources
		if asset.Action == specmodel.AssetNone {
			continue
		}
		if err := e.place(asset.Src, dst, copyIt); err != nil {
			if os.IsNotExist(err) {
				return errMissingAsset{src: asset.Src, err: err}
			}
			return fmt.Errorf("materializing asset %s: %w", asset.Src, err)
		}
	}

	c.Resources = groupsByType(alloc)
	return e.writeLockfile(c)
}

// errMissingAsset distinguishes a missing asset source from every other
// setup failure: a case whose asset can't be found is skipped, not
// invalidated.
type errMissingAsset struct {
	src string
	err error
}

func (e errMissingAsset) Error() string {
	return fmt.Sprintf("missing asset source %s: %v", e.src, e.err)
}
func (e errMissingAsset) Unwrap() error { return e.err }

func groupsByType(alloc resource.Allocation) map[string][]specmodel.AllocatedResource {
	out := map[string][]specmodel.AllocatedResource{}
	for _, inst := range alloc.Instances {
		out[inst.Type] = append(out[inst.Type], specmodel.AllocatedResource{ID: inst.GID, LID: inst.LID, Slots: 1})
	}
	return out
}

// place copies src to dst when copyIt is true, else symlinks it, falling
// back to a copy when the underlying Fs cannot create symlinks (e.g. an
// in-memory Fs used by tests).
func (e *Executor) place(src, dst string, copyIt bool) error {
	if !copyIt {
		if linker, ok := e.Fs.(afero.Linker); ok {
			_ = os.Remove(dst)
			if err := linker.SymlinkIfPossible(src, dst); err == nil {
				return nil
			}
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := e.Fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// writeLockfile overwrites the case's lockfile atomically: write to a
// ".testcase.lock.<uuid>.tmp" sibling, then rename over the target, matching
// original_source's TestCase.save().
func (e *Executor) writeLockfile(c *specmodel.TestCase) error {
	dir := c.Workspace.Path
	lockfile := filepath.Join(dir, "testcase.lock")
	tmp := filepath.Join(dir, fmt.Sprintf(".testcase.lock.%s.tmp", uuid.NewString()))

	data, err := marshalLockfile(c)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(e.Fs, tmp, data, 0o644); err != nil {
		return err
	}
	defer func() { _ = e.Fs.Remove(tmp) }()
	return e.Fs.Rename(tmp, lockfile)
}

// buildEnv computes the child's environment:
// process env, environment_modifications in order, workspace dir
// prepended to PATH/PYTHONPATH, then one CANARY_<TYPE> variable per
// resource group.
func (e *Executor) buildEnv(c *specmodel.TestCase, alloc resource.Allocation) LaunchEnv {
	env := newEnvSet(os.Environ())
	for k, v := range c.Spec.Environment {
		env.set(k, v)
	}
	for _, mod := range c.Spec.EnvMods {
		applyEnvMod(env, mod)
	}
	env.prependPath("PATH", c.Workspace.Path, ":")
	env.prependPath("PYTHONPATH", c.Workspace.Path, ":")

	gids := alloc.GIDsByType()
	types := make([]string, 0, len(gids))
	for t := range gids {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		env.set(fmt.Sprintf("CANARY_%s", strings.ToUpper(t)), strings.Join(gids[t], ","))
	}

	return LaunchEnv{Dir: c.Workspace.Path, Environ: env.list()}
}

func applyEnvMod(env *envSet, mod specmodel.EnvMod) {
	switch mod.Op {
	case specmodel.EnvSet:
		env.set(mod.Name, mod.Value)
	case specmodel.EnvUnset:
		env.unset(mod.Name)
	case specmodel.EnvPrependPath:
		env.prependPath(mod.Name, mod.Value, sepOrDefault(mod.Sep))
	case specmodel.EnvAppendPath:
		env.appendPath(mod.Name, mod.Value, sepOrDefault(mod.Sep))
	}
}

func sepOrDefault(sep string) string {
	if sep == "" {
		return string(os.PathListSeparator)
	}
	return sep
}

// launchAndSupervise implements steps 2-3: run the launcher's command,
// capture output to canary-out.txt, and enforce timeout × multiplier by
// sending SIGINT then killing the child.
func (e *Executor) launchAndSupervise(ctx context.Context, c *specmodel.TestCase, env LaunchEnv) (int, error) {
	outPath := filepath.Join(c.Workspace.Path, "canary-out.txt")
	outFile, err := e.Fs.Create(outPath)
	if err != nil {
		return 1, err
	}
	defer outFile.Close()

	cmd, err := e.Launcher.Command(ctx, c, env)
	if err != nil {
		return 1, err
	}
	var buf bytes.Buffer
	cmd.Stdout = io.MultiWriter(outFile, &buf)
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return 1, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := c.Spec.Timeout * e.timeoutMultiplier()
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(time.Duration(timeout * float64(time.Second)))
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case err := <-done:
		code := exitCode(err)
		c.Stdout = buf.String()
		return code, nil
	case <-timeoutCh:
		_ = cmd.Process.Signal(syscall.SIGINT)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		}
		c.Stdout = buf.String()
		return e.ExitCodes.Timeout, errTimeout{}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		c.Stdout = buf.String()
		return 1, ctx.Err()
	}
}

func (e *Executor) timeoutMultiplier() float64 {
	if e.TimeoutMultiplier > 0 {
		return e.TimeoutMultiplier
	}
	return 1.0
}

type errTimeout struct{}

func (errTimeout) Error() string { return "timed out" }

// exitCode recovers the child's numeric exit code from the error Wait
// returns, treating a nil error as 0.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

// interpretOutcome maps a child process's exit code and error into a
// terminal state. xdiff and xfail aren't distinct lifecycle states —
// specmodel.State only names the terminal states — so xdiff is recorded
// as StateDiffed (a diff occurred, and it was the expected one) and xfail
// as StateSuccess (the expected failure was observed, so the case as a
// whole behaved as intended).
func (e *Executor) interpretOutcome(c *specmodel.TestCase, code int, runErr error) specmodel.State {
	if _, ok := runErr.(errTimeout); ok {
		return specmodel.StateTimeout
	}

	xstatus := c.Spec.XStatus
	switch {
	case c.Spec.Diff:
		if code == e.ExitCodes.Diff {
			return specmodel.StateDiffed
		}
		return specmodel.StateFailed
	case xstatus > 0:
		if code == int(xstatus) {
			return specmodel.StateSuccess
		}
		return specmodel.StateFailed
	case xstatus == specmodel.XStatusAnyFail:
		if code != 0 {
			return specmodel.StateSuccess
		}
		return specmodel.StateFailed
	default:
		switch code {
		case 0:
			return specmodel.StateSuccess
		case e.ExitCodes.Diff:
			return specmodel.StateDiffed
		case e.ExitCodes.Skip:
			return specmodel.StateSkipped
		case e.ExitCodes.Timeout:
			return specmodel.StateTimeout
		default:
			return specmodel.StateFailed
		}
	}
}

func outcomeReason(state specmodel.State, c *specmodel.TestCase, code int) string {
	switch state {
	case specmodel.StateTimeout:
		return fmt.Sprintf("%s failed to finish within its timeout", c.Spec.Name())
	case specmodel.StateFailed:
		return fmt.Sprintf("%s exited with code %d", c.Spec.Name(), code)
	default:
		return ""
	}
}

// finish implements : update the run-time cache on a
// successful run and overwrite the lockfile with the final status.
func (e *Executor) finish(c *specmodel.TestCase, state specmodel.State) {
	if state == specmodel.StateSuccess {
		if e.Runtimes != nil {
			e.Runtimes.Record(c.Spec.ID, c.Timekeeper.Duration())
		}
	}
	if e.Runtimes != nil {
		if mean, max, ok := e.Runtimes.Stats(c.Spec.ID); ok {
			if c.Measurements == nil {
				c.Measurements = map[string]any{}
			}
			c.Measurements["mean_runtime"] = mean
			c.Measurements["max_runtime"] = max
			if variance, ok := e.Runtimes.Variance(c.Spec.ID); ok {
				c.Measurements["variance_runtime"] = variance
			}
			if min, ok := e.Runtimes.Min(c.Spec.ID); ok {
				c.Measurements["min_runtime"] = min
			}
		}
	}
	if err := e.writeLockfile(c); err != nil && e.Log != nil {
		e.Log.Warnw("failed to persist lockfile", "spec", string(c.Spec.ID), "err", err)
	}
}

// RuntimeCache holds Welford's streaming mean/variance/min/max per spec,
// shared across an Executor's dispatches within one session.
type RuntimeCache struct {
	mu    sync.Mutex
	stats map[specmodel.ID]*welford
}

// NewRuntimeCache returns an empty RuntimeCache.
func NewRuntimeCache() *RuntimeCache {
	return &RuntimeCache{stats: map[specmodel.ID]*welford{}}
}

// Record folds a successful-run duration into id's running statistics.
func (r *RuntimeCache) Record(id specmodel.ID, duration float64) {
	if duration <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.stats[id]
	if !ok {
		w = &welford{min: duration, max: duration}
		r.stats[id] = w
	}
	w.update(duration)
}

// Stats returns id's current mean and max runtime, or ok=false if no
// successful run has been recorded yet.
func (r *RuntimeCache) Stats(id specmodel.ID) (mean, max float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, found := r.stats[id]
	if !found {
		return 0, 0, false
	}
	return w.mean, w.max, true
}

// Variance returns id's current running-duration variance, or ok=false if
// fewer than two successful runs have been recorded.
func (r *RuntimeCache) Variance(id specmodel.ID) (v float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, found := r.stats[id]
	if !found || w.count < 2 {
		return 0, false
	}
	return w.variance(), true
}

// Min returns id's current minimum recorded runtime, or ok=false if none
// has been recorded yet.
func (r *RuntimeCache) Min(id specmodel.ID) (min float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, found := r.stats[id]
	if !found {
		return 0, false
	}
	return w.min, true
}

// welford is the standard streaming mean/variance accumulator.
type welford struct {
	count      int64
	mean, m2   float64
	min, max   float64
}

func (w *welford) update(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
	if x < w.min || w.count == 1 {
		w.min = x
	}
	if x > w.max || w.count == 1 {
		w.max = x
	}
}

func (w *welford) variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count)
}

// envSet is an ordered, dedup-on-write view over a process environment,
// used to apply environment_modifications without
// repeated linear scans turning pathological for large PATH-style values.
type envSet struct {
	order []string
	index map[string]int
	vals  []string
}

func newEnvSet(environ []string) *envSet {
	e := &envSet{index: map[string]int{}}
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		e.set(parts[0], parts[1])
	}
	return e
}

func (e *envSet) set(key, val string) {
	if i, ok := e.index[key]; ok {
		e.vals[i] = val
		return
	}
	e.index[key] = len(e.order)
	e.order = append(e.order, key)
	e.vals = append(e.vals, val)
}

func (e *envSet) unset(key string) {
	i, ok := e.index[key]
	if !ok {
		return
	}
	delete(e.index, key)
	e.order = append(e.order[:i], e.order[i+1:]...)
	e.vals = append(e.vals[:i], e.vals[i+1:]...)
	for k, idx := range e.index {
		if idx > i {
			e.index[k] = idx - 1
		}
	}
}

func (e *envSet) get(key string) (string, bool) {
	i, ok := e.index[key]
	if !ok {
		return "", false
	}
	return e.vals[i], true
}

func (e *envSet) prependPath(key, dir, sep string) {
	if cur, ok := e.get(key); ok && cur != "" {
		e.set(key, dir+sep+cur)
		return
	}
	e.set(key, dir)
}

func (e *envSet) appendPath(key, dir, sep string) {
	if cur, ok := e.get(key); ok && cur != "" {
		e.set(key, cur+sep+dir)
		return
	}
	e.set(key, dir)
}

func (e *envSet) list() []string {
	out := make([]string, len(e.order))
	for i, k := range e.order {
		out[i] = k + "=" + e.vals[i]
	}
	return out
}

// marshalLockfile renders c as the JSON lockfile document.
func marshalLockfile(c *specmodel.TestCase) ([]byte, error) {
	return specmodel.MarshalLockfile(c)
}
