package taskstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gpuqueue/gpuqueue/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tasks.db"), filepath.Join(dir, "gpuqueue.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	tk := &task.Task{
		Name:      "train",
		GPUType:   "NVIDIA A100 80GB",
		GPUCount:  2,
		Command:   "python train.py",
		Status:    task.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	id, err := s.Insert(ctx, tk)
	require.NoError(t, err)
	require.EqualValues(t, 1, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "train", got.Name)
	require.Equal(t, task.StatusQueued, got.Status)
	require.Empty(t, got.AssignedGPUs)
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	got, err := s.Get(context.Background(), 999)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdatePatchesOnlyGivenFields(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, &task.Task{
		Name: "a", GPUType: "A100", GPUCount: 1, Command: "x",
		Status: task.StatusQueued, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	running := task.StatusRunning
	started := time.Now().UTC()
	gpus := []int{0, 1}
	session := "task_1"
	err = s.Update(ctx, id, Patch{
		Status:       &running,
		StartedAt:    &started,
		AssignedGPUs: &gpus,
		SessionName:  &session,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, got.Status)
	require.Equal(t, []int{0, 1}, got.AssignedGPUs)
	require.Equal(t, "task_1", got.SessionName)
	require.NotNil(t, got.StartedAt)
	require.Equal(t, "a", got.Name) // untouched field preserved
}

func TestUpdateUnknownIDErrors(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	status := task.StatusFailed
	err := s.Update(context.Background(), 12345, Patch{Status: &status})
	require.Error(t, err)
}

func TestListAllDescByCreation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, created := range []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)} {
		_, err := s.Insert(ctx, &task.Task{
			Name: "t", GPUType: "A100", GPUCount: 1, Command: "x",
			Status: task.StatusQueued, CreatedAt: created,
		})
		require.NoErrorf(t, err, "insert %d", i)
	}

	tasks, err := s.ListAllDescByCreation(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.True(t, tasks[0].CreatedAt.After(tasks[1].CreatedAt) || tasks[0].CreatedAt.Equal(tasks[1].CreatedAt))
	require.True(t, tasks[1].CreatedAt.After(tasks[2].CreatedAt) || tasks[1].CreatedAt.Equal(tasks[2].CreatedAt))
}

func TestLoadRunningOnlyReturnsRunning(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	qid, err := s.Insert(ctx, &task.Task{Name: "q", GPUType: "A100", GPUCount: 1, Command: "x", Status: task.StatusQueued, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	rid, err := s.Insert(ctx, &task.Task{Name: "r", GPUType: "A100", GPUCount: 1, Command: "x", Status: task.StatusRunning, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	running, err := s.LoadRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, rid, running[0].ID)
	_ = qid
}

func TestOpenTwiceFailsOnLock(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tasks.db")
	lockPath := filepath.Join(dir, "gpuqueue.lock")

	s1, err := Open(dbPath, lockPath)
	require.NoError(t, err)
	defer s1.Close()

	_, err = Open(dbPath, lockPath)
	require.Error(t, err)
}
