// Package workspace implements the Workspace façade: create/load a
// .canary/ anchor, own the DB, drive the generator → builder →
// selector → session pipeline, and maintain the view/gc/rerun
// bookkeeping that survives across invocations. Grounded on
// original_source/src/_canary/workspace.py.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/sandialabs/canary/internal/build"
	"github.com/sandialabs/canary/internal/canaryconfig"
	"github.com/sandialabs/canary/internal/canarylog"
	"github.com/sandialabs/canary/internal/generator"
	"github.com/sandialabs/canary/internal/resource"
	"github.com/sandialabs/canary/internal/rules"
	"github.com/sandialabs/canary/internal/session"
	"github.com/sandialabs/canary/internal/specmodel"
	"github.com/sandialabs/canary/internal/store"
)

// Version is the current on-disk workspace schema version written to
// .canary/VERSION. A major-version mismatch on Load refuses
// to open the workspace rather than silently misreading it.
var Version = semver.MustParse("1.0.0")

const (
	tagFile     = "WORKSPACE.TAG"
	versionFile = "VERSION"
	dbFile      = "workspace.sqlite3"
	viewTag     = "VIEW.TAG"
)

// Workspace owns the on-disk .canary anchor: its database, its resource
// pool, its generator registry, and the configuration it was created or
// loaded with.
type Workspace struct {
	Fs       afero.Fs
	Anchor   string // directory containing .canary
	Dir      string // .canary itself
	Store    *store.Store
	Config   canaryconfig.Config
	Pool     *resource.Pool
	Registry *generator.Registry
	Log      *zap.SugaredLogger
}

// FindAnchor walks up from start looking for a .canary/WORKSPACE.TAG,
// matching original_source's find_anchor/find_workspace.
func FindAnchor(fs afero.Fs, start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if exists, _ := afero.Exists(fs, filepath.Join(dir, ".canary", tagFile)); exists {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .canary workspace found above %s", start)
		}
		dir = parent
	}
}

// Create initializes a fresh .canary anchor under anchorDir: its tag and
// VERSION files, and the SQLite store.
func Create(fs afero.Fs, anchorDir string, cfg canaryconfig.Config, registry *generator.Registry, log *zap.SugaredLogger) (*Workspace, error) {
	dir := filepath.Join(anchorDir, ".canary")
	if exists, _ := afero.Exists(fs, filepath.Join(dir, tagFile)); exists {
		return nil, fmt.Errorf("workspace already exists at %s", dir)
	}
	for _, sub := range []string{"refs", "sessions", "logs", "cache", "tmp"} {
		if err := fs.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, tagFile), []byte("canary\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing workspace tag: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, versionFile), []byte(Version.String()+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing version: %w", err)
	}

	st, err := store.Open(filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("opening workspace database: %w", err)
	}

	if log == nil {
		log = canarylog.Nop()
	}
	return &Workspace{
		Fs: fs, Anchor: anchorDir, Dir: dir,
		Store: st, Config: cfg,
		Pool:     resource.New(cfg.Resources),
		Registry: registry,
		Log:      log,
	}, nil
}

// Load reopens an existing .canary anchor, enforcing the VERSION
// compatibility gate: a differing major version refuses to load, matching
// original_source's schema-version check in Workspace.load.
func Load(fs afero.Fs, anchorDir string, cfg canaryconfig.Config, registry *generator.Registry, log *zap.SugaredLogger) (*Workspace, error) {
	dir := filepath.Join(anchorDir, ".canary")
	if exists, _ := afero.Exists(fs, filepath.Join(dir, tagFile)); !exists {
		return nil, fmt.Errorf("not a canary workspace: %s", dir)
	}

	data, err := afero.ReadFile(fs, filepath.Join(dir, versionFile))
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	onDisk, err := semver.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing workspace version: %w", err)
	}
	if onDisk.Major != Version.Major {
		return nil, fmt.Errorf("workspace schema version %s is incompatible with %s", onDisk, Version)
	}

	st, err := store.Open(filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("opening workspace database: %w", err)
	}

	if log == nil {
		log = canarylog.Nop()
	}
	return &Workspace{
		Fs: fs, Anchor: anchorDir, Dir: dir,
		Store: st, Config: cfg,
		Pool:     resource.New(cfg.Resources),
		Registry: registry,
		Log:      log,
	}, nil
}

// Close releases the workspace's database handle.
func (w *Workspace) Close() error { return w.Store.Close() }

// Add scans paths, records every file claimed by a registered generator
// into the `generators` table (add(scan_paths)).
func (w *Workspace) Add(ctx context.Context, paths []string) error {
	var found []string
	for _, root := range paths {
		info, err := w.Fs.Stat(root)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", root, err)
		}
		if !info.IsDir() {
			if w.Registry.For(root) != nil {
				found = append(found, root)
			}
			continue
		}
		err = afero.Walk(w.Fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			if w.Registry.For(path) != nil {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("walking %s: %w", root, err)
		}
	}
	sort.Strings(found)
	if err := w.Store.PutGenerators(ctx, found); err != nil {
		return fmt.Errorf("recording generator paths: %w", err)
	}
	w.Log.Infow("added generator paths", "count", len(found))
	return nil
}

// GenerateSpecs runs the builder over every recorded generator path
// (generate_specs(on_options)), memoized by the
// (paths, on_options) signature: a matching signature already persisted
// short-circuits straight to the cached rows rather than re-running
// generators and dependency resolution.
func (w *Workspace) GenerateSpecs(ctx context.Context, onOptions map[string]string) ([]*specmodel.ResolvedSpec, error) {
	paths, err := w.Store.GetGenerators(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading generator paths: %w", err)
	}
	signature := store.BuildSignature(paths, onOptions)

	cached, err := w.Store.GetSpecs(ctx, nil, signature)
	if err != nil {
		return nil, fmt.Errorf("checking spec cache: %w", err)
	}
	if len(cached) > 0 {
		w.Log.Infow("generate_specs cache hit", "signature", signature, "count", len(cached))
		return cached, nil
	}

	b := &build.Builder{Registry: w.Registry, Serial: w.Config.SerialResolution}
	specs, err := b.Run(ctx, paths, generator.Options(onOptions))
	if err != nil {
		return nil, err
	}
	if err := w.Store.PutSpecs(ctx, signature, specs); err != nil {
		return nil, fmt.Errorf("persisting generated specs: %w", err)
	}
	w.Log.Infow("generate_specs built fresh", "signature", signature, "count", len(specs))
	return specs, nil
}

// SelectOptions gathers the filter criteria select(...) turns into rules:
// keyword/parameter expressions, owners, id/regex filters, and a tag to
// persist the resulting SelectorSnapshot under (default "default").
type SelectOptions struct {
	Tag           string
	KeywordExprs  []string
	ParameterExpr string
	Owners        []string
	IDPrefixes    []string
	Regex         string
}

// Select runs every spec through a Selector built from opts, persists the
// resulting SelectorSnapshot under opts.Tag (or "default"), and returns the
// surviving, finalized specs (select(...)).
func (w *Workspace) Select(ctx context.Context, specs []*specmodel.ResolvedSpec, opts SelectOptions) ([]*specmodel.ResolvedSpec, map[specmodel.ID]specmodel.Mask, error) {
	var extra []rules.Rule
	if len(opts.KeywordExprs) > 0 {
		extra = append(extra, &rules.KeywordRule{Exprs: opts.KeywordExprs})
	}
	if opts.ParameterExpr != "" {
		extra = append(extra, &rules.ParameterRule{Expr: opts.ParameterExpr})
	}
	if len(opts.Owners) > 0 {
		extra = append(extra, &rules.OwnersRule{Owners: opts.Owners})
	}
	if len(opts.IDPrefixes) > 0 {
		extra = append(extra, &rules.IDsRule{IDPrefixes: opts.IDPrefixes})
	}
	if opts.Regex != "" {
		extra = append(extra, &rules.RegexRule{Pattern: opts.Regex})
	}

	selector := rules.NewSelector(w.Pool, extra...)
	survivors, masks := selector.Apply(specs)

	allIDs := make([]specmodel.ID, len(specs))
	for i, s := range specs {
		allIDs[i] = s.ID
	}
	tag := opts.Tag
	if tag == "" {
		tag = "default"
	}
	snap := selector.Snapshot(allIDs, masks, time.Now())
	if err := w.Store.PutSelection(ctx, tag, snap); err != nil {
		return nil, nil, fmt.Errorf("persisting selection %q: %w", tag, err)
	}
	return survivors, masks, nil
}

// Session materializes a fresh Session over specs under the workspace's
// sessions/ directory, matching original_source's Workspace.session.
func (w *Workspace) Session(specs []*specmodel.ResolvedSpec) (*session.Session, error) {
	sess, err := session.Create(w.Fs, filepath.Join(w.Dir, "sessions"), specs, w.Config)
	if err != nil {
		return nil, err
	}
	if err := w.writeRef(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// LoadSession reloads a previously created session by name.
func (w *Workspace) LoadSession(name string) (*session.Session, canaryconfig.Config, error) {
	return session.Load(w.Fs, filepath.Join(w.Dir, "sessions", name))
}

func (w *Workspace) writeRef(sess *session.Session) error {
	rel, err := filepath.Rel(w.Dir, sess.Root)
	if err != nil {
		rel = sess.Root
	}
	if err := afero.WriteFile(w.Fs, filepath.Join(w.Dir, "refs", "latest"), []byte(rel+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing refs/latest: %w", err)
	}
	if err := afero.WriteFile(w.Fs, filepath.Join(w.Dir, "HEAD"), []byte("refs/latest\n"), 0o644); err != nil {
		return fmt.Errorf("writing HEAD: %w", err)
	}
	return nil
}

// AddSessionResults persists a finished session's case results into the
// store and rebuilds the view.
func (w *Workspace) AddSessionResults(ctx context.Context, sess *session.Session) error {
	if err := w.Store.PutResults(ctx, sess.Cases()); err != nil {
		return fmt.Errorf("persisting session results: %w", err)
	}
	return w.RebuildView(ctx)
}

// sessionDirs lists every session directory name under sessions/, sorted
// lexically (the ISO-timestamp naming scheme of session.Create makes
// lexical order equal chronological order).
func (w *Workspace) sessionDirs() ([]string, error) {
	entries, err := afero.ReadDir(w.Fs, filepath.Join(w.Dir, "sessions"))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// caseDir identifies one spec's materialized case workspace within one
// session, paired with that session's mtime for "latest wins" comparison.
type caseDir struct {
	sessionName string
	path        string
	mtime       time.Time
}

// latestCaseDirs walks every session's work/ tree and keeps, per spec
// family.params directory name, the entry from the session with the
// newest mtime — the same "newest mtime wins" rule original_source's
// rebuild_view applies.
func (w *Workspace) latestCaseDirs() (map[string]caseDir, error) {
	names, err := w.sessionDirs()
	if err != nil {
		return nil, err
	}
	latest := map[string]caseDir{}
	for _, name := range names {
		workDir := filepath.Join(w.Dir, "sessions", name, "work")
		entries, err := afero.ReadDir(w.Fs, workDir)
		if err != nil {
			continue // a session without a work/ tree contributes nothing
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			cur := caseDir{sessionName: name, path: filepath.Join(workDir, e.Name()), mtime: e.ModTime()}
			if prev, ok := latest[e.Name()]; !ok || cur.mtime.After(prev.mtime) {
				latest[e.Name()] = cur
			}
		}
	}
	return latest, nil
}

// RebuildView wipes and recreates view/ as a symlink tree pointing at each
// spec's newest-session case directory.
func (w *Workspace) RebuildView(ctx context.Context) error {
	_ = ctx
	latest, err := w.latestCaseDirs()
	if err != nil {
		return err
	}

	viewDir := filepath.Join(w.Anchor, "view")
	if err := w.Fs.RemoveAll(viewDir); err != nil {
		return fmt.Errorf("clearing view: %w", err)
	}
	if err := w.Fs.MkdirAll(viewDir, 0o755); err != nil {
		return fmt.Errorf("creating view: %w", err)
	}
	if err := afero.WriteFile(w.Fs, filepath.Join(viewDir, viewTag), []byte("canary-view\n"), 0o644); err != nil {
		return fmt.Errorf("writing view tag: %w", err)
	}

	linker, ok := w.Fs.(afero.Linker)
	for name, cd := range latest {
		dst := filepath.Join(viewDir, name)
		if ok {
			if err := linker.SymlinkIfPossible(cd.path, dst); err != nil {
				return fmt.Errorf("linking view entry %s: %w", name, err)
			}
			continue
		}
		// Filesystems without symlink support (in-memory test doubles) fall
		// back to recording the mapping as a plain text pointer file.
		if err := afero.WriteFile(w.Fs, dst, []byte(cd.path+"\n"), 0o644); err != nil {
			return fmt.Errorf("linking view entry %s: %w", name, err)
		}
	}

	rel, err := filepath.Rel(w.Anchor, viewDir)
	if err != nil {
		rel = viewDir
	}
	return afero.WriteFile(w.Fs, filepath.Join(w.Dir, "cache", "view"), []byte(rel+"\n"), 0o644)
}

// GC prunes every non-latest session's case directories, rebuilding the
// view afterward (gc(dryrun)). In dryrun mode nothing is
// removed; the list of directories that would be removed is returned.
func (w *Workspace) GC(ctx context.Context, dryrun bool) ([]string, error) {
	latest, err := w.latestCaseDirs()
	if err != nil {
		return nil, err
	}
	keep := map[string]bool{}
	for _, cd := range latest {
		keep[cd.path] = true
	}

	names, err := w.sessionDirs()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range names {
		workDir := filepath.Join(w.Dir, "sessions", name, "work")
		entries, err := afero.ReadDir(w.Fs, workDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(workDir, e.Name())
			if keep[path] {
				continue
			}
			removed = append(removed, path)
			if !dryrun {
				if err := w.Fs.RemoveAll(path); err != nil {
					return removed, fmt.Errorf("removing %s: %w", path, err)
				}
			}
		}
	}
	if dryrun {
		return removed, nil
	}
	return removed, w.RebuildView(ctx)
}

// RerunStrategy enumerates re-run strategy names.
type RerunStrategy string

const (
	RerunAll      RerunStrategy = "all"
	RerunFailed   RerunStrategy = "failed"
	RerunNotRun   RerunStrategy = "not_run"
	RerunNotPass  RerunStrategy = "not_pass"
	RerunChanged  RerunStrategy = "changed"
)

// RerunSpecs computes the rerun closure for strategy:
// every spec the strategy selects as a seed, plus every spec that
// transitively depends on a seed, plus the upstream dependency closure of
// both for context (masked "Skip upstream specs" so it is not
// re-executed), grounded on original_source/src/_canary/rerun.py's
// compute_rerun_closure.
func (w *Workspace) RerunSpecs(ctx context.Context, strategy RerunStrategy) ([]*specmodel.ResolvedSpec, error) {
	all, err := w.Store.GetSpecs(ctx, nil, "")
	if err != nil {
		return nil, fmt.Errorf("loading specs: %w", err)
	}
	results, err := w.Store.AllResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading results: %w", err)
	}

	seeds, err := seedsFor(w.Fs, strategy, all, results)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	downstream, err := w.Store.DownstreamSpecIDs(ctx, seeds)
	if err != nil {
		return nil, fmt.Errorf("computing downstream closure: %w", err)
	}
	seeds = append(seeds, downstream...)

	upstream, err := w.Store.UpstreamSpecIDs(ctx, seeds)
	if err != nil {
		return nil, fmt.Errorf("computing upstream closure: %w", err)
	}
	upstreamSet := make(map[specmodel.ID]bool, len(upstream))
	for _, id := range upstream {
		upstreamSet[id] = true
	}
	seedSet := make(map[specmodel.ID]bool, len(seeds))
	for _, id := range seeds {
		seedSet[id] = true
	}

	wantIDs := append(append([]specmodel.ID(nil), seeds...), upstream...)
	closure, err := w.Store.GetSpecs(ctx, wantIDs, "")
	if err != nil {
		return nil, fmt.Errorf("loading rerun closure: %w", err)
	}

	for _, spec := range closure {
		if !seedSet[spec.ID] && upstreamSet[spec.ID] {
			spec.Mask.Set("Skip upstream specs")
		}
	}
	return closure, nil
}

// seedsFor selects the root spec IDs a strategy targets, before upstream
// context is added, grounded on rerun.py's per-strategy functions.
func seedsFor(fs afero.Fs, strategy RerunStrategy, all []*specmodel.ResolvedSpec, results map[specmodel.ID]store.ResultSummary) ([]specmodel.ID, error) {
	var seeds []specmodel.ID
	for _, spec := range all {
		res, ran := results[spec.ID]
		switch strategy {
		case RerunAll:
			seeds = append(seeds, spec.ID)
		case RerunNotRun:
			if !ran {
				seeds = append(seeds, spec.ID)
			}
		case RerunFailed:
			if ran && res.Status.Category == specmodel.CategoryFail {
				seeds = append(seeds, spec.ID)
			}
		case RerunNotPass:
			if !ran || res.Status.Category != specmodel.CategoryPass {
				seeds = append(seeds, spec.ID)
			}
		case RerunChanged:
			if !ran {
				seeds = append(seeds, spec.ID)
				continue
			}
			info, err := fs.Stat(spec.FilePath)
			if err != nil {
				continue // a spec file that's vanished can't have "changed"
			}
			if info.ModTime().After(res.StartedOn) {
				seeds = append(seeds, spec.ID)
			}
		default:
			return nil, fmt.Errorf("unknown rerun strategy %q", strategy)
		}
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i] < seeds[j] })
	return seeds, nil
}
