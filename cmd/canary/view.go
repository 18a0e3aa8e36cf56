package main

import (
	"context"

	"github.com/spf13/cobra"
)

var viewGCAfter bool

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Manage the view/ symlink tree",
}

var viewRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild view/ from every session's newest case directories",
	RunE:  runViewRefresh,
}

func init() {
	viewRefreshCmd.Flags().BoolVar(&viewGCAfter, "gc", false, "also prune non-latest session case directories")
	viewCmd.AddCommand(viewRefreshCmd)
}

func runViewRefresh(cmd *cobra.Command, args []string) error {
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
	if viewGCAfter {
		removed, err := w.GC(ctx, false)
		if err != nil {
			return err
		}
		cmd.Printf("removed %d stale case director(ies)\n", len(removed))
		return nil
	}

	if err := w.RebuildView(ctx); err != nil {
		return err
	}
	cmd.Println("view refreshed")
	return nil
}
