package main

import (
	"context"

	"github.com/spf13/cobra"
)

var generateOnOptions []string

var generateCmd = &cobra.Command{
	Use:   "generate [pathspec...]",
	Short: "Discover generators and resolve them into a dependency graph of specs, without executing anything",
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().StringArrayVarP(&generateOnOptions, "on-option", "o", nil, "key=value build option (repeatable)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
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

	specs, err := w.GenerateSpecs(ctx, parseOnOptions(generateOnOptions))
	if err != nil {
		return err
	}

	for _, spec := range specs {
		cmd.Printf("%s  %s\n", spec.ID, spec.FullName())
	}
	cmd.Printf("%d spec(s)\n", len(specs))
	return nil
}
