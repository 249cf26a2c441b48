package gpuprobe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCSV(t *testing.T) {
	t.Parallel()

	out := "0, GPU-aaaa, NVIDIA A100 80GB, 81920, 1024, 12\n" +
		"1, GPU-bbbb, NVIDIA A100 80GB, 81920, 0, 0\n"

	gpus, ok := parseCSV(out)
	require.True(t, ok)
	require.Len(t, gpus, 2)

	require.Equal(t, 0, gpus[0].Index)
	require.Equal(t, "NVIDIA A100 80GB", gpus[0].ModelName)
	require.NotNil(t, gpus[0].MemoryTotal)
	require.EqualValues(t, 81920, *gpus[0].MemoryTotal)
	require.NotNil(t, gpus[0].Utilization)
	require.EqualValues(t, 12, *gpus[0].Utilization)
}

func TestParseCSV_MissingNameDropsRow(t *testing.T) {
	t.Parallel()

	out := "0, GPU-aaaa, , 81920, 1024, 12\n"
	gpus, ok := parseCSV(out)
	require.True(t, ok)
	require.Empty(t, gpus)
}

func TestParseCSV_MalformedIsNotOK(t *testing.T) {
	t.Parallel()

	gpus, ok := parseCSV("not,enough,fields\n")
	require.False(t, ok)
	require.Nil(t, gpus)
}

func TestParseCSV_EmptyOutputIsEmptySnapshot(t *testing.T) {
	t.Parallel()

	gpus, ok := parseCSV("")
	require.True(t, ok)
	require.Empty(t, gpus)
}
