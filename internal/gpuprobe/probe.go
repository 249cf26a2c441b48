// Package gpuprobe produces a best-effort snapshot of the GPUs visible to
// this host by shelling out to nvidia-smi, following the CSV-parsing
// approach of the teacher's agentic.GPUClient.listGPUs.
package gpuprobe

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/gpuqueue/gpuqueue/internal/task"
)

// Prober returns a GPU inventory snapshot. ok is false when the tool is
// missing, exits nonzero, or the output can't be parsed — callers must treat
// that as "inventory unknown" and skip the scheduling tick, per SPEC_FULL §5.1.
type Prober interface {
	Snapshot(ctx context.Context) (gpus []task.GPU, ok bool)
}

// Config configures the nvidia-smi-backed prober.
type Config struct {
	// BinaryPath is the nvidia-smi executable; defaults to "nvidia-smi" on
	// PATH, matching agentic.GPUConfig.NvidiaSMIPath.
	BinaryPath string
	// EnableProcesses additionally queries per-GPU compute processes. Left
	// optional per SPEC_FULL §5.1 / the original's own flag-gated treatment.
	EnableProcesses bool
}

// NVMLProber is the production Prober, named for the query it performs
// rather than the binary, since a future probe could speak NVML directly.
type NVMLProber struct {
	cfg Config
}

func New(cfg Config) *NVMLProber {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "nvidia-smi"
	}
	return &NVMLProber{cfg: cfg}
}

const queryFields = "index,uuid,name,memory.total,memory.used,utilization.gpu"

func (p *NVMLProber) Snapshot(ctx context.Context) ([]task.GPU, bool) {
	out, err := p.exec(ctx,
		"--query-gpu="+queryFields,
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return nil, false
	}

	gpus, ok := parseCSV(out)
	if !ok {
		return nil, false
	}

	if p.cfg.EnableProcesses {
		procs, err := p.processesByGPU(ctx)
		if err == nil {
			for i := range gpus {
				gpus[i].Processes = procs[gpus[i].Index]
			}
		}
	}

	return gpus, true
}

func (p *NVMLProber) exec(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.cfg.BinaryPath, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", xerrors.Errorf("nvidia-smi: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// parseCSV parses the fixed-column CSV described by queryFields. A GPU row
// missing its name is dropped: the spec requires name to schedule on.
func parseCSV(output string) ([]task.GPU, bool) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	gpus := make([]task.GPU, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 6 {
			return nil, false
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, false
		}
		name := fields[2]
		if name == "" {
			continue
		}

		g := task.GPU{
			Index:     idx,
			UUID:      fields[1],
			ModelName: name,
		}
		if v, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
			g.MemoryTotal = &v
		}
		if v, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			g.MemoryUsed = &v
		}
		if v, err := strconv.Atoi(fields[5]); err == nil {
			g.Utilization = &v
		}

		gpus = append(gpus, g)
	}

	return gpus, true
}

func (p *NVMLProber) processesByGPU(ctx context.Context) (map[int][]int, error) {
	out, err := p.exec(ctx,
		"--query-compute-apps=gpu_uuid,pid",
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return nil, err
	}

	uuidToIndex := map[string]int{}
	if snap, ok := func() ([]task.GPU, bool) {
		idxOut, err := p.exec(ctx, "--query-gpu="+queryFields, "--format=csv,noheader,nounits")
		if err != nil {
			return nil, false
		}
		return parseCSV(idxOut)
	}(); ok {
		for _, g := range snap {
			uuidToIndex[g.UUID] = g.Index
		}
	}

	result := map[int][]int{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		uuid := strings.TrimSpace(fields[0])
		pid, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			continue
		}
		idx, ok := uuidToIndex[uuid]
		if !ok {
			continue
		}
		result[idx] = append(result[idx], pid)
	}
	return result, nil
}
