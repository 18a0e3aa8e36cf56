package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sandialabs/canary/internal/execute"
	"github.com/sandialabs/canary/internal/schedule"
	"github.com/sandialabs/canary/internal/workspace"
)

var (
	runKeywordExpr   []string
	runParameterExpr string
	runOwners        []string
	runOnOptions     []string
	runOnly          string
	runFailFast      bool
)

var runCmd = &cobra.Command{
	Use:   "run [pathspec...]",
	Short: "Generate, select and execute test cases",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runKeywordExpr, "keyword-expr", nil, "boolean keyword expression (repeatable)")
	runCmd.Flags().StringVar(&runParameterExpr, "parameter-expr", "", "boolean parameter expression")
	runCmd.Flags().StringArrayVar(&runOwners, "owners", nil, "restrict to specs owned by any of these names")
	runCmd.Flags().StringArrayVarP(&runOnOptions, "on-option", "o", nil, "key=value build option (repeatable)")
	runCmd.Flags().StringVar(&runOnly, "only", "", "rerun strategy: failed|changed|not_run|not_pass|all")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "accepted but has no effect: remaining cases still run after a failure")
}

// splitArgs separates a pathspec list from a trailing "-- ARGS..." passthrough.
func splitArgs(args []string) (paths []string, passthrough []string) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

func parseOnOptions(pairs []string) map[string]string {
	out := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func runRun(cmd *cobra.Command, args []string) error {
	paths, _ := splitArgs(args)
	if len(paths) == 0 {
		paths = []string{"."}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openOrCreateWorkspace(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := context.Background()
	if err := w.Add(ctx, paths); err != nil {
		return err
	}

	specs, err := w.GenerateSpecs(ctx, parseOnOptions(runOnOptions))
	if err != nil {
		return err
	}

	if runOnly != "" {
		closure, err := w.RerunSpecs(ctx, workspace.RerunStrategy(runOnly))
		if err != nil {
			return err
		}
		specs = closure
	}

	survivors, _, err := w.Select(ctx, specs, workspace.SelectOptions{
		KeywordExprs:  runKeywordExpr,
		ParameterExpr: runParameterExpr,
		Owners:        runOwners,
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
	exitCode := sess.ExitCode()
	if exitCode != 0 {
		cmd.SilenceErrors = true
		return &exitError{code: exitCode}
	}
	return nil
}

// exitError carries a session's aggregate exit code out
// through cobra's error-returning RunE without printing a spurious message;
// main translates it into the process's own exit code.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("session exited with code %d", e.code) }
