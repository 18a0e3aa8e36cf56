package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/aymanbagabas/go-udiff"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sandialabs/canary/internal/workspace"
)

var (
	logSession string
	logDiff    bool
	logStderr  bool
)

var logCmd = &cobra.Command{
	Use:   "log TESTSPEC",
	Short: "Show a case's captured output",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func init() {
	logCmd.Flags().StringVar(&logSession, "session", "", "session name under .canary/sessions (default: latest)")
	logCmd.Flags().BoolVar(&logDiff, "diff", false, "show a unified diff against the previous session's log for this case")
	logCmd.Flags().BoolVar(&logStderr, "stderr", false, "show canary-err.txt instead of canary-out.txt")
}

func runLog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	name := logSession
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
	cases, err := sess.GetReady([]string{args[0]})
	if err != nil {
		return err
	}
	c := cases[0]

	filename := "canary-out.txt"
	if logStderr {
		filename = "canary-err.txt"
	}
	data, err := afero.ReadFile(w.Fs, filepath.Join(c.Workspace.Path, filename))
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}

	if !logDiff {
		renderAndPrint(string(data))
		return nil
	}

	prevName, err := priorSessionName(w, name)
	if err != nil {
		return err
	}
	if prevName == "" {
		cmd.Println("no earlier session to diff against")
		renderAndPrint(string(data))
		return nil
	}
	prevSess, _, err := w.LoadSession(prevName)
	if err != nil {
		return err
	}
	prevCases, err := prevSess.GetReady([]string{args[0]})
	if err != nil {
		cmd.Printf("case not present in session %s\n", prevName)
		renderAndPrint(string(data))
		return nil
	}
	before, err := afero.ReadFile(w.Fs, filepath.Join(prevCases[0].Workspace.Path, filename))
	if err != nil {
		return fmt.Errorf("reading prior log: %w", err)
	}

	fmt.Print(unifiedDiff(prevName+"/"+filename, name+"/"+filename, string(before), string(data)))
	return nil
}

// priorSessionName returns the session directory name lexically
// immediately before cur, empty if cur is the earliest. Session names are
// ISO-timestamp strings (session.Create), so lexical order is
// chronological order.
func priorSessionName(w *workspace.Workspace, cur string) (string, error) {
	entries, err := afero.ReadDir(w.Fs, filepath.Join(w.Dir, "sessions"))
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for i, n := range names {
		if n == cur && i > 0 {
			return names[i-1], nil
		}
	}
	return "", nil
}

func renderAndPrint(content string) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Print(content)
		return
	}
	out, err := renderer.Render("```\n" + content + "\n```")
	if err != nil {
		fmt.Print(content)
		return
	}
	fmt.Print(out)
}

func unifiedDiff(oldLabel, newLabel, before, after string) string {
	const contextLines = 3
	edits := udiff.Strings(before, after)
	out, err := udiff.ToUnified(oldLabel, newLabel, before, edits, contextLines)
	if err != nil {
		return fmt.Sprintf("(diff failed: %v)\n", err)
	}
	return out
}
