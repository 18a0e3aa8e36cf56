package main

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sandialabs/canary/internal/execute"
	"github.com/sandialabs/canary/internal/schedule"
	"github.com/sandialabs/canary/internal/workspace"
)

var (
	rerunStrategy      string
	rerunKeywordExpr   []string
	rerunParameterExpr string
)

var rerunCmd = &cobra.Command{
	Use:   "rerun",
	Short: "Recompute a rerun closure from prior results and execute it",
	Long: `Rerun selects seed specs by strategy (failed, not_run, not_pass, changed,
all), adds every spec that depends on a seed, adds back every upstream
dependency for context masked "Skip upstream specs", then schedules and
executes the surviving cases
exactly like run.`,
	RunE: runRerun,
}

func init() {
	rerunCmd.Flags().StringVar(&rerunStrategy, "strategy", "failed", "failed|not_run|not_pass|changed|all")
	rerunCmd.Flags().StringArrayVar(&rerunKeywordExpr, "keyword-expr", nil, "boolean keyword expression (repeatable)")
	rerunCmd.Flags().StringVar(&rerunParameterExpr, "parameter-expr", "", "boolean parameter expression")
}

func runRerun(cmd *cobra.Command, args []string) error {
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
	closure, err := w.RerunSpecs(ctx, workspace.RerunStrategy(rerunStrategy))
	if err != nil {
		return err
	}
	if len(closure) == 0 {
		cmd.Println("nothing to rerun")
		return nil
	}

	survivors, _, err := w.Select(ctx, closure, workspace.SelectOptions{
		Tag:           "rerun-" + rerunStrategy,
		KeywordExprs:  rerunKeywordExpr,
		ParameterExpr: rerunParameterExpr,
	})
	if err != nil {
		return err
	}

	sess, err := w.Session(survivors)
	if err != nil {
		return err
	}

	launcher := &execute.SubprocessLauncher{}
	executor := execute.NewExecutor(launcher, afero.NewOsFs(), cfg.ExitCodes)
	executor.CopyAllResources = cfg.CopyAllResources
	executor.TimeoutMultiplier = cfg.TimeoutMultiplier
	executor.Log = w.Log

	sched := &schedule.Scheduler{Pool: w.Pool, Dispatcher: executor, Log: w.Log}
	if err := sched.Run(ctx, sess.Cases()); err != nil {
		return err
	}

	if err := w.AddSessionResults(ctx, sess); err != nil {
		return err
	}

	summary := sess.Summary()
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", summary["PASS"], summary["FAIL"], summary["SKIP"])
	if exitCode := sess.ExitCode(); exitCode != 0 {
		cmd.SilenceErrors = true
		return &exitError{code: exitCode}
	}
	return nil
}
