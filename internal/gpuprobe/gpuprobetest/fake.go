// Package gpuprobetest provides a deterministic fake Prober for scheduler
// tests, mirroring the teacher's coderdtest helper-package convention.
package gpuprobetest

import (
	"context"
	"strconv"
	"sync"

	"github.com/gpuqueue/gpuqueue/internal/task"
)

// Fake is an in-memory gpuprobe.Prober whose snapshot and availability tests
// can set directly.
type Fake struct {
	mu       sync.Mutex
	gpus     []task.GPU
	healthy  bool
}

// New returns a Fake that reports healthy with the given GPUs.
func New(gpus ...task.GPU) *Fake {
	return &Fake{gpus: gpus, healthy: true}
}

func (f *Fake) Snapshot(_ context.Context) ([]task.GPU, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return nil, false
	}
	out := make([]task.GPU, len(f.gpus))
	copy(out, f.gpus)
	return out, true
}

// SetGPUs replaces the snapshot contents for the next call.
func (f *Fake) SetGPUs(gpus []task.GPU) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gpus = gpus
}

// Fail makes subsequent snapshots report ok=false ("inventory unknown").
func (f *Fake) Fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = false
}

// Recover makes subsequent snapshots succeed again.
func (f *Fake) Recover() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = true
}

// NGPUs is a convenience constructor for n identically-modeled GPUs indexed
// 0..n-1, the common case in scheduler tests.
func NGPUs(model string, n int) []task.GPU {
	gpus := make([]task.GPU, n)
	for i := range gpus {
		gpus[i] = task.GPU{Index: i, UUID: model + "-uuid-" + strconv.Itoa(i), ModelName: model}
	}
	return gpus
}
