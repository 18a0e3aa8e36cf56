// Package execute implements the Executor : per-case
// setup, launch, supervision, outcome interpretation and finish, grounded
// on original_source/src/_canary/launcher.py and
// plugins/builtin/runtest_protocol.py.
package execute

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sandialabs/canary/internal/specmodel"
)

// Launcher is the seam between the executor and how a case's command is
// actually run. SubprocessLauncher is the only concrete implementation in
// scope (an in-process launcher is out of scope); Launcher stays an
// interface so a second implementation can be added without touching the
// executor.
type Launcher interface {
	// Command builds the *exec.Cmd for case, already wired to run inside
	// env.Dir with env.Environ applied.
	Command(ctx context.Context, c *specmodel.TestCase, env LaunchEnv) (*exec.Cmd, error)
}

// LaunchEnv carries the fully-resolved environment and working directory
// for one case launch.
type LaunchEnv struct {
	Dir     string
	Environ []string
}

// SubprocessLauncher runs a case's test file as a subprocess via os/exec,
// matching original_source's SubprocessLauncher.
type SubprocessLauncher struct {
	// Interpreter prefixes Args when non-empty (e.g. ["python3"] for .pyt
	// files); when empty the test file is assumed directly executable.
	Interpreter []string
}

func (l *SubprocessLauncher) Command(ctx context.Context, c *specmodel.TestCase, env LaunchEnv) (*exec.Cmd, error) {
	args := append([]string(nil), l.Interpreter...)
	args = append(args, c.Spec.FilePath)

	if len(c.Spec.RCFiles) == 0 && len(c.Spec.Modules) == 0 {
		var cmd *exec.Cmd
		if len(args) == 1 {
			cmd = exec.CommandContext(ctx, args[0])
		} else {
			cmd = exec.CommandContext(ctx, args[0], args[1:]...)
		}
		cmd.Dir = env.Dir
		cmd.Env = env.Environ
		return cmd, nil
	}

	// rcfiles/modules are a shell-level concern (sourcing a file, invoking
	// `module load`). There's no way to apply either to an already-started
	// os/exec.Cmd, so wrap the real command in a shell preamble that does
	// both before exec'ing it, matching original_source's rc_environ()
	// context manager in spirit (source then run, restore is moot since
	// the shell process exits with the child).
	var sb strings.Builder
	for _, rc := range c.Spec.RCFiles {
		fmt.Fprintf(&sb, ". %s\n", shellQuote(rc))
	}
	for _, mod := range c.Spec.Modules {
		fmt.Fprintf(&sb, "module load %s\n", shellQuote(mod))
	}
	sb.WriteString("exec ")
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(shellQuote(a))
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", sb.String())
	cmd.Dir = env.Dir
	cmd.Env = env.Environ
	return cmd, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
