package main

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sandialabs/canary/internal/specmodel"
)

var historyCmd = &cobra.Command{
	Use:   "history TESTSPEC",
	Short: "Show every recorded session's outcome for a spec, newest last",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := context.Background()
	id, err := w.Store.ResolveSpecID(ctx, args[0])
	if err != nil {
		return err
	}

	entries, err := afero.ReadDir(w.Fs, filepath.Join(w.Dir, "sessions"))
	if err != nil {
		return err
	}
	var sessionNames []string
	for _, e := range entries {
		if e.IsDir() {
			sessionNames = append(sessionNames, e.Name())
		}
	}
	sort.Strings(sessionNames)

	found := 0
	for _, name := range sessionNames {
		c, err := findCaseLockfile(w.Fs, filepath.Join(w.Dir, "sessions", name, "work"), id)
		if err != nil || c == nil {
			continue
		}
		found++
		status := c.GetStatus()
		cmd.Printf("%s  %-8s  %s\n", name, status.State, status.Reason)
	}
	if found == 0 {
		cmd.Println("no recorded sessions for this spec")
	}

	status, tk, _, err := w.Store.GetResult(ctx, id)
	if err == nil {
		cmd.Printf("latest: %s  duration=%.2fs  finished=%s\n", status.State, tk.Duration(), tk.FinishedOn.Format("2006-01-02T15:04:05"))
	}
	return nil
}

// findCaseLockfile scans workDir for a case directory whose lockfile
// belongs to id, returning its TestCase or nil if not present in that
// session.
func findCaseLockfile(fs afero.Fs, workDir string, id specmodel.ID) (*specmodel.TestCase, error) {
	entries, err := afero.ReadDir(fs, workDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := afero.ReadFile(fs, filepath.Join(workDir, e.Name(), "testcase.lock"))
		if err != nil {
			continue
		}
		c, err := specmodel.UnmarshalLockfile(data)
		if err != nil {
			continue
		}
		if c.Spec.ID == id {
			return c, nil
		}
	}
	return nil, nil
}
