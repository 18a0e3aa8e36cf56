package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/sandialabs/canary/internal/workspace"
)

// latestSessionName reads .canary/refs/latest, the ref writeRef keeps
// pointed at the most recently created session, and returns its bare
// directory name.
func latestSessionName(w *workspace.Workspace) (string, error) {
	data, err := afero.ReadFile(w.Fs, filepath.Join(w.Dir, "refs", "latest"))
	if err != nil {
		return "", fmt.Errorf("no sessions recorded yet: %w", err)
	}
	return filepath.Base(strings.TrimSpace(string(data))), nil
}
