// Command canary is the CLI entrypoint for the test-execution engine:
// discover generators, expand them into a dependency graph of cases,
// filter by resource availability and user criteria, then schedule and
// supervise execution.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sandialabs/canary/internal/canaryconfig"
	"github.com/sandialabs/canary/internal/canarylog"
	"github.com/sandialabs/canary/internal/generator"
	"github.com/sandialabs/canary/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	cfgFile   string
	colorWhen string
	chdir     string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "canary",
	Short: "Canary discovers, resolves and executes declarative test cases",
	Long: `Canary discovers user-authored test generators, expands them into a
dependency graph of concrete test cases, filters that graph by resource
availability and user criteria, then schedules and supervises the cases
as child processes under a shared resource pool.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default .canary/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&colorWhen, "color", "", "auto|always|never (overrides COLOR_WHEN)")
	rootCmd.PersistentFlags().StringVarP(&chdir, "chdir", "C", "", "run as if canary was started in this directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd, runCmd, generateCmd, collectCmd, selectionCmd, rerunCmd, logCmd, historyCmd, viewCmd, reportCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("canary %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if ee, ok := err.(*exitError); ok {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig seeds process environment from a .env file if present, then
// layers CANARY_* overrides from the environment on top of the config file.
func loadConfig() (canaryconfig.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
	}
	cfg, err := canaryconfig.Load(cfgFile, false)
	if err != nil {
		return cfg, err
	}
	if colorWhen != "" {
		cfg.ColorWhen = colorWhen
	}
	return cfg, nil
}

// anchorDir resolves the directory to scan for (or create) a .canary
// workspace under, honoring --chdir.
func anchorDir() (string, error) {
	if chdir != "" {
		return filepath.Abs(chdir)
	}
	return os.Getwd()
}

// defaultRegistry wires the only generator kind in scope for this CLI: a
// stub recognizing .pyt test files (the real .pyt/.vvt/CTest parsers are
// out of scope and are supplied externally in production;
// StubGenerator lets the pipeline run end to end against plain test
// scripts named *.pyt).
func defaultRegistry() *generator.Registry {
	return generator.NewRegistry(&generator.StubGenerator{Suffix: ".pyt"})
}

// openWorkspace loads the existing workspace found at or above anchorDir
// and fails if there is none (commands that may bootstrap a fresh
// workspace call openOrCreateWorkspace instead).
func openWorkspace(cfg canaryconfig.Config) (*workspace.Workspace, error) {
	dir, err := anchorDir()
	if err != nil {
		return nil, err
	}
	fs := afero.NewOsFs()
	root, err := workspace.FindAnchor(fs, dir)
	if err != nil {
		return nil, err
	}
	log := newLogger()
	return workspace.Load(fs, root, cfg, defaultRegistry(), log)
}

func openOrCreateWorkspace(cfg canaryconfig.Config) (*workspace.Workspace, error) {
	dir, err := anchorDir()
	if err != nil {
		return nil, err
	}
	fs := afero.NewOsFs()
	log := newLogger()
	if root, findErr := workspace.FindAnchor(fs, dir); findErr == nil {
		return workspace.Load(fs, root, cfg, defaultRegistry(), log)
	}
	return workspace.Create(fs, dir, cfg, defaultRegistry(), log)
}

func newLogger() *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	mode := canarylog.ColorAuto
	switch colorWhen {
	case "always":
		mode = canarylog.ColorAlways
	case "never":
		mode = canarylog.ColorNever
	}
	return canarylog.New(level, mode, nil)
}
