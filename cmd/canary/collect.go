package main

import (
	"context"

	"github.com/spf13/cobra"
)

var collectSession string

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Persist a session's results into the workspace database and rebuild the view",
	Long: `Collect re-reads a session's materialized case lockfiles and records
their outcomes in the workspace database, the way a finished "run" does
automatically. It exists for a session whose results were never persisted,
e.g. one driven by a batch scheduler outside canary's own run loop.`,
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().StringVar(&collectSession, "session", "", "session name under .canary/sessions (default: latest)")
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	name := collectSession
	if name == "" {
		name, err = latestSessionName(w)
		if err != nil {
			return err
		}
	}

	sess, _, err := w.LoadSession(name)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := w.AddSessionResults(ctx, sess); err != nil {
		return err
	}

	summary := sess.Summary()
	cmd.Printf("collected %s: PASS=%d FAIL=%d\n", name, summary["PASS"], summary["FAIL"])
	return nil
}
