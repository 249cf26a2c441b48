package scheduler_test

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/gpuqueue/gpuqueue/internal/gpuprobe/gpuprobetest"
	"github.com/gpuqueue/gpuqueue/internal/scheduler"
	"github.com/gpuqueue/gpuqueue/internal/task"
	"github.com/gpuqueue/gpuqueue/internal/taskstore"
	"github.com/gpuqueue/gpuqueue/internal/tmuxrunner/tmuxtest"
)

// TestNoGPUDoubleAssignment runs many ticks over randomized submissions and
// cancellations against a small, contended GPU pool and asserts no GPU index
// is ever held by more than one running task at once — the quantified
// invariant of spec.md §8.
func TestNoGPUDoubleAssignment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	store, err := taskstore.Open(filepath.Join(dir, "tasks.db"), filepath.Join(dir, "gpuqueue.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gpus := gpuprobetest.NGPUs("A100", 3)
	probe := gpuprobetest.New(gpus...)
	runner := tmuxtest.New()

	sched, err := scheduler.New(scheduler.Dependencies{
		Log:          slogtest.Make(t, nil),
		Store:        store,
		Probe:        probe,
		Runner:       runner,
		RuntimeRoot:  dir,
		PollInterval: 0,
		Clock:        quartz.NewMock(t),
	})
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Shutdown(ctx) })

	rng := rand.New(rand.NewSource(1))
	var submitted []int64

	for round := 0; round < 200; round++ {
		switch rng.Intn(3) {
		case 0:
			count := rng.Intn(2) + 1
			tk, err := sched.Submit(ctx, "job", "A100", count, "true")
			if err == nil {
				submitted = append(submitted, tk.ID)
			}
		case 1:
			if len(submitted) > 0 {
				id := submitted[rng.Intn(len(submitted))]
				_, _ = sched.Cancel(ctx, id)
			}
		case 2:
			if len(submitted) > 0 {
				id := submitted[rng.Intn(len(submitted))]
				got, err := sched.Get(ctx, id)
				if err == nil && got.Status == task.StatusRunning {
					runner.Vanish(got.SessionName)
				}
			}
		}

		sched.Tick(ctx)
		assertNoDoubleAssignment(t, sched, ctx, submitted)
	}
}

func assertNoDoubleAssignment(t *testing.T, sched *scheduler.Scheduler, ctx context.Context, ids []int64) {
	t.Helper()
	seen := map[int]int64{}
	for _, id := range ids {
		tk, err := sched.Get(ctx, id)
		require.NoError(t, err)
		if tk.Status != task.StatusRunning {
			continue
		}
		require.Len(t, tk.AssignedGPUs, tk.GPUCount)
		for _, idx := range tk.AssignedGPUs {
			if holder, ok := seen[idx]; ok {
				t.Fatalf("GPU %d double-assigned to tasks %d and %d", idx, holder, id)
			}
			seen[idx] = id
		}
	}
}
