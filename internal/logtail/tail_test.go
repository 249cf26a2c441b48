package logtail

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeLines(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tmux.log")
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString("line ")
		b.WriteString(strconv.Itoa(i))
		b.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestTailReturnsLastNLines(t *testing.T) {
	t.Parallel()
	path := writeLines(t, 250)

	res, err := Tail(path, 100)
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.Len(t, res.Lines, 100)
	require.Equal(t, "line 150", res.Lines[0])
	require.Equal(t, "line 249", res.Lines[99])
}

func TestTailShortFileNotTruncated(t *testing.T) {
	t.Parallel()
	path := writeLines(t, 5)

	res, err := Tail(path, 100)
	require.NoError(t, err)
	require.False(t, res.Truncated)
	require.Len(t, res.Lines, 5)
}

func TestTailMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	res, err := Tail(filepath.Join(t.TempDir(), "missing.log"), 100)
	require.NoError(t, err)
	require.False(t, res.Truncated)
	require.Empty(t, res.Lines)
}

func TestTailNonPositiveTailDefaultsToOne(t *testing.T) {
	t.Parallel()
	path := writeLines(t, 5)

	res, err := Tail(path, 0)
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	require.Equal(t, "line 4", res.Lines[0])
}
