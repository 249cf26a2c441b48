// Package worktree materializes the per-task directory and the script pair
// the session runner executes, per SPEC_FULL.md §5.3. The scheduler is the
// only writer; log-tailing readers never touch these files.
package worktree

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/natefinch/atomic"
	"golang.org/x/xerrors"
)

// Tree is the set of paths making up one task's work directory.
type Tree struct {
	Dir       string
	CommandSh string
	RunSh     string
	Log       string
	ExitCode  string
}

// For returns the Tree for task id under runtimeRoot, without creating it.
func For(runtimeRoot string, id int64) Tree {
	dir := filepath.Join(runtimeRoot, "tasks", taskDirName(id))
	return Tree{
		Dir:       dir,
		CommandSh: filepath.Join(dir, "command.sh"),
		RunSh:     filepath.Join(dir, "run.sh"),
		Log:       filepath.Join(dir, "tmux.log"),
		ExitCode:  filepath.Join(dir, "exit_code"),
	}
}

func taskDirName(id int64) string {
	return "task_" + strconv.FormatInt(id, 10)
}

// Materialize creates the task directory (if absent) and writes command.sh
// and run.sh atomically and executably. shellInit, if non-empty, is sourced
// before the user command (the optional shell initializer env var of
// SPEC_FULL §6).
func Materialize(runtimeRoot string, id int64, command, shellInit string) (Tree, error) {
	tree := For(runtimeRoot, id)
	if err := os.MkdirAll(tree.Dir, 0o755); err != nil {
		return Tree{}, xerrors.Errorf("create work tree dir: %w", err)
	}

	commandScript, err := renderCommandScript(command)
	if err != nil {
		return Tree{}, err
	}
	if err := writeExecutable(tree.CommandSh, commandScript); err != nil {
		return Tree{}, xerrors.Errorf("write command.sh: %w", err)
	}

	runScript, err := renderRunScript(tree, shellInit)
	if err != nil {
		return Tree{}, err
	}
	if err := writeExecutable(tree.RunSh, runScript); err != nil {
		return Tree{}, xerrors.Errorf("write run.sh: %w", err)
	}

	return tree, nil
}

func writeExecutable(path, content string) error {
	if err := atomic.WriteFile(path, strings.NewReader(content)); err != nil {
		return err
	}
	return os.Chmod(path, 0o755)
}

var commandTemplate = template.Must(template.New("command.sh").Parse(`#!/usr/bin/env bash
echo "=== gpuqueue: start $(date -u +%Y-%m-%dT%H:%M:%SZ) ==="
echo "PATH=$PATH"
echo "python: $(command -v python 2>/dev/null || echo 'not found')"
echo "conda: $(command -v conda 2>/dev/null || echo 'not found')"
echo "=== command output ==="
{{.Command}}
STATUS=$?
echo "=== gpuqueue: exit $(date -u +%Y-%m-%dT%H:%M:%SZ) (status $STATUS) ==="
exit $STATUS
`))

func renderCommandScript(command string) (string, error) {
	var b strings.Builder
	if err := commandTemplate.Execute(&b, struct{ Command string }{Command: command}); err != nil {
		return "", xerrors.Errorf("render command.sh: %w", err)
	}
	return b.String(), nil
}

var runTemplate = template.Must(template.New("run.sh").Parse(`#!/usr/bin/env bash
set -euo pipefail

# Reconstruct PATH with any in-tree virtualenv bin directory removed, using
# the system interpreter rather than textual editing, so that a subsequent
# "conda activate" in the command is not shadowed by a stale venv/bin.
FILTERED_PATH="$(python3 - <<'PYEOF'
import os
parts = os.environ.get("PATH", "").split(":")
keep = [p for p in parts if "/venv/bin" not in p and not p.rstrip("/").endswith("/.venv/bin")]
print(":".join(keep))
PYEOF
)"
export PATH="$FILTERED_PATH"
export PYTHONUNBUFFERED=1
LOG="{{.Log}}"
export LOG
{{if .ShellInit}}
if [ -f "{{.ShellInit}}" ]; then
	source "{{.ShellInit}}"
fi
{{end}}
{
	echo "=== gpuqueue: run.sh banner $(date -u +%Y-%m-%dT%H:%M:%SZ) ==="
	echo "PATH=$PATH"
	echo "interpreter=$(command -v python3 2>/dev/null || echo 'not found')"
} >> "$LOG"

set +e
bash "{{.CommandSh}}" 2>&1 | tee -a "$LOG"
STATUS="${PIPESTATUS[0]}"
set -e

echo "$STATUS" > "{{.ExitCode}}"
exit "$STATUS"
`))

func renderRunScript(tree Tree, shellInit string) (string, error) {
	var b strings.Builder
	err := runTemplate.Execute(&b, struct {
		Log, CommandSh, ExitCode, ShellInit string
	}{
		Log:       tree.Log,
		CommandSh: tree.CommandSh,
		ExitCode:  tree.ExitCode,
		ShellInit: shellInit,
	})
	if err != nil {
		return "", xerrors.Errorf("render run.sh: %w", err)
	}
	return b.String(), nil
}

// ReadExitCode reads the single integer line written by run.sh. ok is false
// if the file is missing or its contents don't parse, per SPEC_FULL §5.5
// reconcile step — the caller treats that as "session ended without
// recording exit code".
func ReadExitCode(tree Tree) (code int, ok bool) {
	data, err := os.ReadFile(tree.ExitCode)
	if err != nil {
		return 0, false
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, false
	}
	return n, true
}
