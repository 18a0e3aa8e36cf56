// Package session implements the Session : a directory
// anchoring one run's materialized cases, its selection and a
// configuration snapshot, grounded on original_source/src/_canary/session.py.
package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/sandialabs/canary/internal/canaryconfig"
	"github.com/sandialabs/canary/internal/specmodel"
)

const sessionTag = "SESSION.TAG"

// Session is one run's work tree: a fresh directory holding one TestCase
// per selected spec, its selection snapshot and the configuration used to
// create it.
type Session struct {
	Fs      afero.Fs
	Name    string
	Root    string
	WorkDir string

	cases []*specmodel.TestCase
}

// Cases returns the session's materialized TestCases, in the topological
// order they were created (parents before children).
func (s *Session) Cases() []*specmodel.TestCase { return s.cases }

// selectionEntry is the serializable shape of one ResolvedSpec inside a
// session's "selection" file: the same fields case.py's static_order
// lookup walks, flattened to IDs so dependency pointers survive a
// round-trip through JSON.
type selectionEntry struct {
	Spec            specmodel.UnresolvedSpec `json:"spec"`
	ID              specmodel.ID             `json:"id"`
	DependencyIDs   []specmodel.ID           `json:"dependency_ids"`
	DepDoneCriteria []string                 `json:"dep_done_criteria"`
}

type selectionDoc struct {
	Entries []selectionEntry `json:"entries"`
}

// Create allocates a fresh session directory under anchor, named by a
// microsecond timestamp with colons replaced by dashes (matching
// original_source's Session.create), materializes one TestCase per spec
// (specs must already be in topological order, parents first — the
// builder guarantees this), and persists the selection and a
// snapshot of cfg.
func Create(fs afero.Fs, anchor string, specs []*specmodel.ResolvedSpec, cfg canaryconfig.Config) (*Session, error) {
	name := strings.ReplaceAll(time.Now().Format("2006-01-02T15:04:05.000000"), ":", "-")
	root := filepath.Join(anchor, name)

	if exists, _ := afero.Exists(fs, filepath.Join(root, sessionTag)); exists {
		return nil, fmt.Errorf("session already exists: %s", root)
	}

	s := &Session{Fs: fs, Name: name, Root: root, WorkDir: filepath.Join(root, "work")}
	if err := fs.MkdirAll(s.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session work dir: %w", err)
	}

	if err := s.writeSelection(specs); err != nil {
		return nil, err
	}
	if err := afero.WriteFile(fs, filepath.Join(root, sessionTag), []byte(name+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing session tag: %w", err)
	}

	lookup := make(map[specmodel.ID]*specmodel.TestCase, len(specs))
	for _, spec := range specs {
		space := specmodel.ExecutionSpace{Root: s.WorkDir, Path: filepath.Join(s.WorkDir, spec.FullName()), Session: s.Name}
		c := specmodel.NewTestCase(spec, space)
		lookup[spec.ID] = c
		s.cases = append(s.cases, c)
	}

	if err := s.populateWorktree(); err != nil {
		return nil, err
	}
	if err := s.writeConfigSnapshot(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) populateWorktree() error {
	for _, c := range s.cases {
		if err := s.Fs.MkdirAll(c.Workspace.Path, 0o755); err != nil {
			return fmt.Errorf("creating case workspace %s: %w", c.Workspace.Path, err)
		}
		if err := s.writeLockfile(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeLockfile(c *specmodel.TestCase) error {
	data, err := specmodel.MarshalLockfile(c)
	if err != nil {
		return err
	}
	return afero.WriteFile(s.Fs, filepath.Join(c.Workspace.Path, "testcase.lock"), data, 0o644)
}

func (s *Session) writeSelection(specs []*specmodel.ResolvedSpec) error {
	doc := selectionDoc{Entries: make([]selectionEntry, len(specs))}
	for i, spec := range specs {
		doc.Entries[i] = selectionEntry{
			Spec:            spec.UnresolvedSpec,
			ID:              spec.ID,
			DependencyIDs:   spec.DependencyIDs(),
			DepDoneCriteria: spec.DepDoneCriteria,
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(s.Fs, filepath.Join(s.Root, "selection"), data, 0o644)
}

func (s *Session) writeConfigSnapshot(cfg canaryconfig.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return afero.WriteFile(s.Fs, filepath.Join(s.Root, "config"), data, 0o644)
}

// Load re-reads a session previously written by Create: its configuration
// snapshot and its selection, reconstructing each ResolvedSpec's
// dependency pointers from the flattened ID list.
func Load(fs afero.Fs, root string) (*Session, canaryconfig.Config, error) {
	var cfg canaryconfig.Config
	if exists, _ := afero.Exists(fs, filepath.Join(root, sessionTag)); !exists {
		return nil, cfg, fmt.Errorf("not a session directory: %s", root)
	}

	cfgData, err := afero.ReadFile(fs, filepath.Join(root, "config"))
	if err != nil {
		return nil, cfg, fmt.Errorf("reading config snapshot: %w", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		return nil, cfg, fmt.Errorf("parsing config snapshot: %w", err)
	}

	selData, err := afero.ReadFile(fs, filepath.Join(root, "selection"))
	if err != nil {
		return nil, cfg, fmt.Errorf("reading selection: %w", err)
	}
	var doc selectionDoc
	if err := json.Unmarshal(selData, &doc); err != nil {
		return nil, cfg, fmt.Errorf("parsing selection: %w", err)
	}

	s := &Session{Fs: fs, Name: filepath.Base(root), Root: root, WorkDir: filepath.Join(root, "work")}
	lookup := make(map[specmodel.ID]*specmodel.ResolvedSpec, len(doc.Entries))
	for _, entry := range doc.Entries {
		rs := &specmodel.ResolvedSpec{UnresolvedSpec: entry.Spec, ID: entry.ID, DepDoneCriteria: entry.DepDoneCriteria}
		for _, depID := range entry.DependencyIDs {
			if dep, ok := lookup[depID]; ok {
				rs.Dependencies = append(rs.Dependencies, dep)
			}
		}
		lookup[entry.ID] = rs
		space := specmodel.ExecutionSpace{Root: s.WorkDir, Path: filepath.Join(s.WorkDir, rs.FullName()), Session: s.Name}
		s.cases = append(s.cases, specmodel.NewTestCase(rs, space))
	}
	return s, cfg, nil
}

// ResolveRootIDs expands each of roots (a full ID, a prefix, or a prefix
// prefixed with "/") to the one matching case ID it selects, the way
// original_source's resolve_root_ids does, returning an error for an
// unresolvable or ambiguous root.
func (s *Session) ResolveRootIDs(roots []string) ([]specmodel.ID, error) {
	resolved := make([]specmodel.ID, 0, len(roots))
	for _, root := range roots {
		pattern := strings.TrimPrefix(root, "/")
		var matches []specmodel.ID
		for _, c := range s.cases {
			if string(c.Spec.ID) == root || strings.HasPrefix(string(c.Spec.ID), pattern) {
				matches = append(matches, c.Spec.ID)
			}
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("no case found matching %q", root)
		case 1:
			resolved = append(resolved, matches[0])
		default:
			return nil, fmt.Errorf("%q is ambiguous: matches %d cases", root, len(matches))
		}
	}
	return resolved, nil
}

// GetReady returns the cases to run: every case if roots is empty, else
// only the cases whose ID was resolved from roots.
func (s *Session) GetReady(roots []string) ([]*specmodel.TestCase, error) {
	if len(roots) == 0 {
		return s.cases, nil
	}
	ids, err := s.ResolveRootIDs(roots)
	if err != nil {
		return nil, err
	}
	want := make(map[specmodel.ID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]*specmodel.TestCase, 0, len(ids))
	for _, c := range s.cases {
		if want[c.Spec.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

// ExitCode computes a session's aggregate return code from its cases'
// terminal statuses: FAIL/TIMEOUT/NOT_RUN bits are OR'd together and take
// precedence; DIFF(64)/SKIP(63) are reserved top-range codes that apply
// only when none of those bits are set; PASS is 0.
func (s *Session) ExitCode() int {
	const (
		bitFail    = 1
		bitTimeout = 2
		bitNotRun  = 4
	)
	bits := 0
	hasDiff, hasSkip := false, false
	for _, c := range s.cases {
		switch c.GetStatus().State {
		case specmodel.StateTimeout:
			bits |= bitTimeout
		case specmodel.StateFailed, specmodel.StateInvalid, specmodel.StateUnknown, specmodel.StateCancelled:
			bits |= bitFail
		case specmodel.StateNotRun:
			bits |= bitNotRun
		case specmodel.StateDiffed:
			hasDiff = true
		case specmodel.StateSkipped, specmodel.StateMasked:
			hasSkip = true
		}
	}
	if bits != 0 {
		return bits
	}
	if hasDiff {
		return 64
	}
	if hasSkip {
		return 63
	}
	return 0
}

// Summary buckets cases by Category for a quick pass/fail/skip/none
// roll-up, the data a report or CLI table renders from.
func (s *Session) Summary() map[specmodel.Category]int {
	out := map[specmodel.Category]int{}
	for _, c := range s.cases {
		out[c.GetStatus().Category]++
	}
	return out
}

// sortedIDs is a small helper used by tests and the CLI to print cases in
// a stable order independent of map iteration.
func sortedIDs(cases []*specmodel.TestCase) []specmodel.ID {
	ids := make([]specmodel.ID, len(cases))
	for i, c := range cases {
		ids[i] = c.Spec.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
