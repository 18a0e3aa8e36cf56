package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sandialabs/canary/internal/specmodel"
)

var reportSession string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print a pass/fail/skip table for a session",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportSession, "session", "", "session name under .canary/sessions (default: latest)")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	name := reportSession
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

	cases := append([]*specmodel.TestCase(nil), sess.Cases()...)
	sort.Slice(cases, func(i, j int) bool { return cases[i].Spec.ID < cases[j].Spec.ID })

	for _, c := range cases {
		status := c.GetStatus()
		fmt.Printf("%-20s %-8s %-8s %s\n", c.Spec.ID, status.Category, status.State, c.Spec.FullName())
	}

	summary := sess.Summary()
	fmt.Printf("\n%s  PASS=%d FAIL=%d SKIP=%d NONE=%d\n", name, summary["PASS"], summary["FAIL"], summary["SKIP"], summary["NONE"])
	exitCode := sess.ExitCode()
	if exitCode != 0 {
		cmd.SilenceErrors = true
		return &exitError{code: exitCode}
	}
	return nil
}
