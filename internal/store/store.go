// Package store implements the workspace database: specs, their
// dependency edges, selections and results, grounded on
// original_source/src/_canary/database.py's WorkspaceDatabase.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"math/bits"
	"runtime"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sandialabs/canary/internal/graph"
	"github.com/sandialabs/canary/internal/specmodel"
)

// Store wraps a single SQLite file with a single-writer connection pool —
// SQLite allows one writer at a time, so writes serialize through one
// *sql.DB and callers never see SQLITE_BUSY from our own concurrency — and
// a multi-reader pool for everything else.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path in WAL
// mode with a 30s busy timeout, and runs the schema migration.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)", path)

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening write connection: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening read connection: %w", err)
	}
	if n := runtime.NumCPU(); n > 1 {
		read.SetMaxOpenConns(n)
	}

	s := &Store{write: write, read: read}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	err1 := s.write.Close()
	err2 := s.read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generators (id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS specs (
			id TEXT PRIMARY KEY,
			signature TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_specs_signature ON specs (signature)`,
		`CREATE TABLE IF NOT EXISTS dependencies (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			FOREIGN KEY (id) REFERENCES specs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS selections (tag TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			timekeeper TEXT NOT NULL,
			workspace TEXT NOT NULL
		)`,
	}
	return s.withRetry(func() error {
		tx, err := s.write.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrating schema: %w", err)
			}
		}
		return tx.Commit()
	})
}

// withRetry retries fn on SQLITE_BUSY/"database is locked" with
// exponential backoff (base 50ms, factor 2, up to 8 attempts), matching
// original_source's DB_MAX_RETRIES/DB_BASE_DELAY constants.
func (s *Store) withRetry(fn func() error) error {
	const maxAttempts = 8
	delay := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusy(lastErr) {
			return lastErr
		}
		time.Sleep(delay)
		delay *= 2
	}
	return lastErr
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// PutGenerators upserts the scanned file paths a workspace's add(scan_paths)
// has recorded as test-bearing, one row per path keyed by
// the path itself.
func (s *Store) PutGenerators(ctx context.Context, paths []string) error {
	return s.withRetry(func() error {
		tx, err := s.write.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, p := range paths {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO generators (id, data) VALUES (?, ?)
				ON CONFLICT(id) DO UPDATE SET data=excluded.data
			`, p, p); err != nil {
				return fmt.Errorf("upserting generator path %s: %w", p, err)
			}
		}
		return tx.Commit()
	})
}

// GetGenerators returns every scanned path recorded by PutGenerators,
// sorted, forming the input set generate_specs feeds to
// the builder and hashes into BuildSignature.
func (s *Store) GetGenerators(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, "SELECT id FROM generators ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// specDoc is the JSON shape persisted in specs.data: the spec's own
// fields, with Dependencies flattened to IDs in the separate
// dependencies table rather than embedded (denormalized
// "data is the JSON array of direct dep-ids" design).
type specDoc struct {
	Spec            specmodel.UnresolvedSpec `json:"spec"`
	DepDoneCriteria []string                 `json:"dep_done_criteria"`
}

// PutSpecs upserts specs and their dependency edges in one transaction.
func (s *Store) PutSpecs(ctx context.Context, signature string, specs []*specmodel.ResolvedSpec) error {
	return s.withRetry(func() error {
		tx, err := s.write.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, spec := range specs {
			doc := specDoc{Spec: spec.UnresolvedSpec, DepDoneCriteria: spec.DepDoneCriteria}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("marshaling spec %s: %w", spec.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO specs (id, signature, data) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET signature=excluded.signature, data=excluded.data
			`, string(spec.ID), signature, string(data)); err != nil {
				return fmt.Errorf("upserting spec %s: %w", spec.ID, err)
			}

			depData, err := json.Marshal(spec.DependencyIDs())
			if err != nil {
				return fmt.Errorf("marshaling deps of %s: %w", spec.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dependencies (id, data) VALUES (?, ?)
				ON CONFLICT(id) DO UPDATE SET data=excluded.data
			`, string(spec.ID), string(depData)); err != nil {
				return fmt.Errorf("upserting dependencies of %s: %w", spec.ID, err)
			}
		}
		return tx.Commit()
	})
}

// GetSpecs reconstructs ResolvedSpec objects for ids (or, if ids is nil,
// every spec matching signature), with dependency pointers resolved in
// topological order so parent references are always populated before the
// children that reference them.
func (s *Store) GetSpecs(ctx context.Context, ids []specmodel.ID, signature string) ([]*specmodel.ResolvedSpec, error) {
	rows, err := s.queryRows(ctx, ids, signature)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := map[specmodel.ID]specDoc{}
	g := graph.Graph[specmodel.ID]{}
	depsByID := map[specmodel.ID][]specmodel.ID{}

	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var doc specDoc
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("unmarshaling spec %s: %w", id, err)
		}
		docs[specmodel.ID(id)] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	wantIDs := make([]specmodel.ID, 0, len(docs))
	for id := range docs {
		wantIDs = append(wantIDs, id)
	}
	deps, err := s.loadDependencies(ctx, wantIDs)
	if err != nil {
		return nil, err
	}
	depsByID = deps
	for id := range docs {
		g[id] = depsByID[id]
	}

	order, err := graph.TopoSort(g, func(a, b specmodel.ID) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("reconstructing dependency graph: %w", err)
	}

	built := map[specmodel.ID]*specmodel.ResolvedSpec{}
	out := make([]*specmodel.ResolvedSpec, 0, len(order))
	for _, id := range order {
		doc, ok := docs[id]
		if !ok {
			continue // a referenced dependency fell outside the requested id/signature filter
		}
		rs := &specmodel.ResolvedSpec{UnresolvedSpec: doc.Spec, ID: id, DepDoneCriteria: doc.DepDoneCriteria}
		for _, depID := range depsByID[id] {
			if dep, ok := built[depID]; ok {
				rs.Dependencies = append(rs.Dependencies, dep)
			}
		}
		built[id] = rs
		out = append(out, rs)
	}
	return out, nil
}

func (s *Store) queryRows(ctx context.Context, ids []specmodel.ID, signature string) (*sql.Rows, error) {
	switch {
	case len(ids) > 0:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = string(id)
		}
		return s.read.QueryContext(ctx, fmt.Sprintf("SELECT id, data FROM specs WHERE id IN (%s)", placeholders), args...)
	case signature != "":
		return s.read.QueryContext(ctx, "SELECT id, data FROM specs WHERE signature = ?", signature)
	default:
		return s.read.QueryContext(ctx, "SELECT id, data FROM specs")
	}
}

func (s *Store) loadDependencies(ctx context.Context, ids []specmodel.ID) (map[specmodel.ID][]specmodel.ID, error) {
	out := map[specmodel.ID][]specmodel.ID{}
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	rows, err := s.read.QueryContext(ctx, fmt.Sprintf("SELECT id, data FROM dependencies WHERE id IN (%s)", placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var depIDs []specmodel.ID
		if err := json.Unmarshal([]byte(data), &depIDs); err != nil {
			return nil, err
		}
		out[specmodel.ID(id)] = depIDs
	}
	return out, rows.Err()
}

// ResolveSpecID expands a hex ID prefix to the one full ID it
// unambiguously selects: an
// integer-range query over the hex numeric space, empty = unknown
// (ErrNotFound), 2+ rows = ambiguous (ErrAmbiguous).
func (s *Store) ResolveSpecID(ctx context.Context, prefix string) (specmodel.ID, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	hi, err := incrementHexPrefix(prefix)
	if err != nil {
		return "", err
	}
	rows, err := s.read.QueryContext(ctx, "SELECT id FROM specs WHERE id >= ? AND id < ? ORDER BY id LIMIT 2", prefix, hi)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return specmodel.ID(matches[0]), nil
	default:
		return "", ErrAmbiguous
	}
}

// incrementHexPrefix computes the exclusive upper bound of prefix's hex
// numeric range, matching original_source's increment_hex_prefix.
func incrementHexPrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("empty id prefix")
	}
	value, ok := new(big.Int).SetString(prefix, 16)
	if !ok || value.Sign() < 0 {
		return "", fmt.Errorf("invalid hex prefix %q", prefix)
	}
	value.Add(value, big.NewInt(1))
	if value.BitLen() > 4*len(prefix) {
		return "", fmt.Errorf("id prefix %q has no valid upper bound", prefix)
	}
	return fmt.Sprintf("%0*x", len(prefix), value), nil
}

func parseHex(s string) (uint64, error) {
	var v uint64
	for _, r := range s {
		var d uint64
		switch {
		case r >= '0' && r <= '9':
			d = uint64(r - '0')
		case r >= 'a' && r <= 'f':
			d = uint64(r-'a') + 10
		case r >= 'A' && r <= 'F':
			d = uint64(r-'A') + 10
		default:
			return 0, fmt.Errorf("not a hex digit: %q", r)
		}
		if bits.LeadingZeros64(v) < 4 {
			return 0, fmt.Errorf("hex prefix %q overflows 64 bits", s)
		}
		v = v<<4 | d
	}
	return v, nil
}

// ReachableSpecIDs returns every spec ID reachable from roots by walking
// dependency edges forward, via an in-memory BFS over the whole
// dependencies table.
func (s *Store) ReachableSpecIDs(ctx context.Context, roots []specmodel.ID) ([]specmodel.ID, error) {
	g, err := s.fullDependencyGraph(ctx)
	if err != nil {
		return nil, err
	}
	return graph.ReachableForward(g, roots), nil
}

// UpstreamSpecIDs returns every spec seeds transitively depend on (their
// dependencies' dependencies, ...), excluding seeds themselves, grounded
// on database.py's get_upstream_ids.
func (s *Store) UpstreamSpecIDs(ctx context.Context, seeds []specmodel.ID) ([]specmodel.ID, error) {
	g, err := s.fullDependencyGraph(ctx)
	if err != nil {
		return nil, err
	}
	return excludeSeeds(graph.ReachableForward(g, seeds), seeds), nil
}

// DownstreamSpecIDs returns every spec that transitively depends on seeds,
// excluding seeds themselves, grounded on database.py's get_downstream_ids.
func (s *Store) DownstreamSpecIDs(ctx context.Context, seeds []specmodel.ID) ([]specmodel.ID, error) {
	g, err := s.fullDependencyGraph(ctx)
	if err != nil {
		return nil, err
	}
	rev := graph.Reverse(g)
	return excludeSeeds(graph.ReachableForward(rev, seeds), seeds), nil
}

func excludeSeeds(ids, seeds []specmodel.ID) []specmodel.ID {
	skip := make(map[specmodel.ID]bool, len(seeds))
	for _, id := range seeds {
		skip[id] = true
	}
	out := make([]specmodel.ID, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) fullDependencyGraph(ctx context.Context) (graph.Graph[specmodel.ID], error) {
	rows, err := s.read.QueryContext(ctx, "SELECT id, data FROM dependencies")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	g := graph.Graph[specmodel.ID]{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var deps []specmodel.ID
		if err := json.Unmarshal([]byte(data), &deps); err != nil {
			return nil, err
		}
		g[specmodel.ID(id)] = deps
	}
	return g, rows.Err()
}

// resultDoc mirrors one results row's JSON columns.
type resultDoc struct {
	Status     specmodel.Status        `json:"status"`
	Timekeeper specmodel.Timekeeper     `json:"timekeeper"`
	Workspace  specmodel.ExecutionSpace `json:"workspace"`
}

// PutResults upserts the last observed result per case ('s
// put_results contract; "last observed" means overwrite, unlike
// original_source's append-only INSERT OR IGNORE — a workspace tracks one
// current result per spec, not a history, per literal
// results(id PK, ...) schema).
func (s *Store) PutResults(ctx context.Context, cases []*specmodel.TestCase) error {
	return s.withRetry(func() error {
		tx, err := s.write.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, c := range cases {
			doc := resultDoc{Status: c.GetStatus(), Timekeeper: c.Timekeeper, Workspace: c.Workspace}
			data, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			statusJSON, timekeeperJSON, workspaceJSON, err := splitResultColumns(data)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO results (id, status, timekeeper, workspace) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET status=excluded.status, timekeeper=excluded.timekeeper, workspace=excluded.workspace
			`, string(c.Spec.ID), statusJSON, timekeeperJSON, workspaceJSON); err != nil {
				return fmt.Errorf("upserting result %s: %w", c.Spec.ID, err)
			}
		}
		return tx.Commit()
	})
}

func splitResultColumns(data []byte) (status, timekeeper, workspace string, err error) {
	var doc resultDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", "", "", err
	}
	statusBytes, err := json.Marshal(doc.Status)
	if err != nil {
		return "", "", "", err
	}
	tkBytes, err := json.Marshal(doc.Timekeeper)
	if err != nil {
		return "", "", "", err
	}
	wsBytes, err := json.Marshal(doc.Workspace)
	if err != nil {
		return "", "", "", err
	}
	return string(statusBytes), string(tkBytes), string(wsBytes), nil
}

// GetResult returns the last recorded status/timekeeper/workspace for id.
func (s *Store) GetResult(ctx context.Context, id specmodel.ID) (specmodel.Status, specmodel.Timekeeper, specmodel.ExecutionSpace, error) {
	row := s.read.QueryRowContext(ctx, "SELECT status, timekeeper, workspace FROM results WHERE id = ?", string(id))
	var statusJSON, tkJSON, wsJSON string
	if err := row.Scan(&statusJSON, &tkJSON, &wsJSON); err != nil {
		return specmodel.Status{}, specmodel.Timekeeper{}, specmodel.ExecutionSpace{}, err
	}
	var status specmodel.Status
	var tk specmodel.Timekeeper
	var ws specmodel.ExecutionSpace
	if err := json.Unmarshal([]byte(statusJSON), &status); err != nil {
		return status, tk, ws, err
	}
	if err := json.Unmarshal([]byte(tkJSON), &tk); err != nil {
		return status, tk, ws, err
	}
	if err := json.Unmarshal([]byte(wsJSON), &ws); err != nil {
		return status, tk, ws, err
	}
	return status, tk, ws, nil
}

// ResultSummary is the trimmed view of a recorded result RerunSpecs'
// strategies filter on: status and when the run started, without the
// full workspace payload.
type ResultSummary struct {
	Status    specmodel.Status
	StartedOn time.Time
}

// AllResults returns every spec id's last recorded result, for the rerun
// strategies: failed/not_run/not_pass/changed all need to inspect the
// latest result per spec in bulk rather than one at a time.
func (s *Store) AllResults(ctx context.Context) (map[specmodel.ID]ResultSummary, error) {
	rows, err := s.read.QueryContext(ctx, "SELECT id, status, timekeeper FROM results")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[specmodel.ID]ResultSummary{}
	for rows.Next() {
		var id, statusJSON, tkJSON string
		if err := rows.Scan(&id, &statusJSON, &tkJSON); err != nil {
			return nil, err
		}
		var status specmodel.Status
		if err := json.Unmarshal([]byte(statusJSON), &status); err != nil {
			return nil, err
		}
		var tk specmodel.Timekeeper
		if err := json.Unmarshal([]byte(tkJSON), &tk); err != nil {
			return nil, err
		}
		out[specmodel.ID(id)] = ResultSummary{Status: status, StartedOn: tk.StartedOn}
	}
	return out, rows.Err()
}

// PutSelection upserts a named SelectorSnapshot ('s
// selections(tag PK, data JSON) table).
func (s *Store) PutSelection(ctx context.Context, tag string, snap specmodel.SelectorSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.withRetry(func() error {
		_, err := s.write.ExecContext(ctx, `
			INSERT INTO selections (tag, data) VALUES (?, ?)
			ON CONFLICT(tag) DO UPDATE SET data=excluded.data
		`, tag, string(data))
		return err
	})
}

// GetSelection loads a previously stored SelectorSnapshot by tag.
func (s *Store) GetSelection(ctx context.Context, tag string) (specmodel.SelectorSnapshot, error) {
	var snap specmodel.SelectorSnapshot
	row := s.read.QueryRowContext(ctx, "SELECT data FROM selections WHERE tag = ?", tag)
	var data string
	if err := row.Scan(&data); err != nil {
		return snap, err
	}
	return snap, json.Unmarshal([]byte(data), &snap)
}

// RenameSelection renames tag `from` to `to`.
func (s *Store) RenameSelection(ctx context.Context, from, to string) error {
	return s.withRetry(func() error {
		res, err := s.write.ExecContext(ctx, "UPDATE selections SET tag = ? WHERE tag = ?", to, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteSelection removes tag, returning ErrNotFound if it didn't exist.
func (s *Store) DeleteSelection(ctx context.Context, tag string) error {
	return s.withRetry(func() error {
		res, err := s.write.ExecContext(ctx, "DELETE FROM selections WHERE tag = ?", tag)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Tags lists every stored selection tag, sorted.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, "SELECT tag FROM selections ORDER BY tag")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// BuildSignature computes the build-input fingerprint // names: SHA-256 of the sorted generator file paths joined with the
// sorted on_options, matching "sorted generator files + on_options,
// SHA-256".
func BuildSignature(generatorPaths []string, onOptions map[string]string) string {
	paths := append([]string(nil), generatorPaths...)
	sort.Strings(paths)
	keys := make([]string, 0, len(onOptions))
	for k := range onOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(onOptions[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ErrNotFound and ErrAmbiguous are the sentinel errors ResolveSpecID
// returns; RenameSelection and DeleteSelection also return ErrNotFound.
var (
	ErrNotFound  = fmt.Errorf("not found")
	ErrAmbiguous = fmt.Errorf("ambiguous")
)
