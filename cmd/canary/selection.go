package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/sandialabs/canary/internal/workspace"
)

var selectionCmd = &cobra.Command{
	Use:   "selection",
	Short: "Manage named, persisted selections",
}

var selectionCreateCmd = &cobra.Command{
	Use:   "create [tag]",
	Short: "Interactively build and persist a named selection",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSelectionCreate,
}

var selectionRmCmd = &cobra.Command{
	Use:   "rm TAG",
	Short: "Delete a named selection",
	Args:  cobra.ExactArgs(1),
	RunE:  runSelectionRm,
}

var selectionRenameCmd = &cobra.Command{
	Use:   "rename FROM TO",
	Short: "Rename a named selection",
	Args:  cobra.ExactArgs(2),
	RunE:  runSelectionRename,
}

func init() {
	selectionCmd.AddCommand(selectionCreateCmd, selectionRmCmd, selectionRenameCmd)
}

// runSelectionCreate walks the user through a huh form for the same
// criteria `run --keyword-expr/--parameter-expr/--owners` accepts, applies
// it against the current spec set, and persists the resulting
// SelectorSnapshot under tag (prompted for if not given positionally).
func runSelectionCreate(cmd *cobra.Command, args []string) error {
	tag := ""
	if len(args) == 1 {
		tag = args[0]
	}

	var keywordExpr, parameterExpr, owners string
	groups := []*huh.Group{}
	if tag == "" {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().Title("Selection tag").Value(&tag).Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("a tag is required")
				}
				return nil
			}),
		))
	}
	groups = append(groups, huh.NewGroup(
		huh.NewInput().Title("Keyword expression").Description("boolean expression over spec keywords, blank for none").Value(&keywordExpr),
		huh.NewInput().Title("Parameter expression").Description("boolean expression over spec parameters, blank for none").Value(&parameterExpr),
		huh.NewInput().Title("Owners").Description("comma-separated owner names, blank for all").Value(&owners),
	))

	form := huh.NewForm(groups...).WithTheme(huh.ThemeDracula())
	if err := form.Run(); err != nil {
		return fmt.Errorf("selection wizard cancelled: %w", err)
	}

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
	specs, err := w.GenerateSpecs(ctx, nil)
	if err != nil {
		return err
	}

	opts := workspace.SelectOptions{Tag: tag}
	if keywordExpr != "" {
		opts.KeywordExprs = []string{keywordExpr}
	}
	opts.ParameterExpr = parameterExpr
	if owners != "" {
		opts.Owners = splitCSV(owners)
	}

	survivors, _, err := w.Select(ctx, specs, opts)
	if err != nil {
		return err
	}

	cmd.Printf("selection %q saved: %d/%d specs selected\n", tag, len(survivors), len(specs))
	return nil
}

func runSelectionRm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Store.DeleteSelection(context.Background(), args[0]); err != nil {
		return err
	}
	cmd.Printf("removed selection %q\n", args[0])
	return nil
}

func runSelectionRename(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Store.RenameSelection(context.Background(), args[0], args[1]); err != nil {
		return err
	}
	cmd.Printf("renamed selection %q to %q\n", args[0], args[1])
	return nil
}

func splitCSV(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ',' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
