package worktree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaterializeWritesExecutableScripts(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	tree, err := Materialize(root, 42, "echo hello", "")
	require.NoError(t, err)

	require.Equal(t, filepath.Join(root, "tasks", "task_42"), tree.Dir)

	for _, p := range []string{tree.CommandSh, tree.RunSh} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		require.NotZero(t, info.Mode()&0o100, "script %s should be executable", p)
	}

	data, err := os.ReadFile(tree.CommandSh)
	require.NoError(t, err)
	require.Contains(t, string(data), "echo hello")

	runData, err := os.ReadFile(tree.RunSh)
	require.NoError(t, err)
	require.Contains(t, string(runData), tree.Log)
	require.Contains(t, string(runData), "tee -a")
}

func TestMaterializeIncludesShellInit(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	tree, err := Materialize(root, 1, "true", "/etc/profile.d/conda.sh")
	require.NoError(t, err)

	data, err := os.ReadFile(tree.RunSh)
	require.NoError(t, err)
	require.Contains(t, string(data), "/etc/profile.d/conda.sh")
}

func TestReadExitCodeMissingFile(t *testing.T) {
	t.Parallel()
	tree := For(t.TempDir(), 1)
	_, ok := ReadExitCode(tree)
	require.False(t, ok)
}

func TestReadExitCodeValid(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	tree := For(root, 1)
	require.NoError(t, os.MkdirAll(tree.Dir, 0o755))
	require.NoError(t, os.WriteFile(tree.ExitCode, []byte("3\n"), 0o644))

	code, ok := ReadExitCode(tree)
	require.True(t, ok)
	require.Equal(t, 3, code)
}

func TestReadExitCodeUnparseable(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	tree := For(root, 1)
	require.NoError(t, os.MkdirAll(tree.Dir, 0o755))
	require.NoError(t, os.WriteFile(tree.ExitCode, []byte("not-a-number\n"), 0o644))

	_, ok := ReadExitCode(tree)
	require.False(t, ok)
}
