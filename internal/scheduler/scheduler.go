// Package scheduler implements the core of SPEC_FULL.md §5.5: the in-memory
// queue and running-set, the periodic scheduling tick, and the public
// operations (submit, list, get, gpu_status, logs, cancel) that the HTTP
// layer calls. The tick and every access to the in-memory queue and
// running-set happen under a single state lock, matching the concurrency
// discipline of spec.md §5; List, Get and Logs read through the store
// without taking it.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/gpuqueue/gpuqueue/internal/gpuprobe"
	"github.com/gpuqueue/gpuqueue/internal/logtail"
	"github.com/gpuqueue/gpuqueue/internal/task"
	"github.com/gpuqueue/gpuqueue/internal/taskstore"
	"github.com/gpuqueue/gpuqueue/internal/tmuxrunner"
	"github.com/gpuqueue/gpuqueue/internal/worktree"
)

// Dependencies wires a Scheduler's collaborators. Every subprocess-backed
// one (Probe, Runner) is an interface so tests substitute deterministic
// fakes, per spec.md §9 "Subprocess side-effects".
type Dependencies struct {
	Log          slog.Logger
	Store        *taskstore.Store
	Probe        gpuprobe.Prober
	Runner       tmuxrunner.Runner
	RuntimeRoot  string
	ShellInit    string
	PollInterval time.Duration
	Clock        quartz.Clock
	Registerer   prometheus.Registerer
}

// Scheduler owns the queue, the running-set, and the background tick. It is
// the single process-singleton resource of SPEC_FULL §9 — constructed once,
// started once, shut down once, with no package-level state anywhere.
type Scheduler struct {
	log          slog.Logger
	store        *taskstore.Store
	probe        gpuprobe.Prober
	runner       tmuxrunner.Runner
	runtimeRoot  string
	shellInit    string
	pollInterval time.Duration
	clock        quartz.Clock

	mu      sync.Mutex
	queue   []*task.Task
	running map[int64]*task.Task

	runningGauge prometheus.Gauge
	queuedGauge  prometheus.Gauge
	tickCounter  prometheus.Counter

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler. It does not start the background tick or
// perform startup reconciliation — call Start for that.
func New(deps Dependencies) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, xerrors.New("scheduler: Store is required")
	}
	if deps.Probe == nil {
		return nil, xerrors.New("scheduler: Probe is required")
	}
	if deps.Runner == nil {
		return nil, xerrors.New("scheduler: Runner is required")
	}
	if deps.RuntimeRoot == "" {
		return nil, xerrors.New("scheduler: RuntimeRoot is required")
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 2 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	reg := deps.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &Scheduler{
		log:          deps.Log,
		store:        deps.Store,
		probe:        deps.Probe,
		runner:       deps.Runner,
		runtimeRoot:  deps.RuntimeRoot,
		shellInit:    deps.ShellInit,
		pollInterval: deps.PollInterval,
		clock:        deps.Clock,
		queue:        nil,
		running:      map[int64]*task.Task{},
		runningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpuqueue_tasks_running",
			Help: "Number of tasks currently running.",
		}),
		queuedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpuqueue_tasks_queued",
			Help: "Number of tasks currently queued.",
		}),
		tickCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuqueue_tick_total",
			Help: "Number of scheduling ticks run, including no-op ticks.",
		}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	for _, c := range []prometheus.Collector{s.runningGauge, s.queuedGauge, s.tickCounter} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !xerrors.As(err, &are) {
				return nil, xerrors.Errorf("register metric: %w", err)
			}
		}
	}

	return s, nil
}

// Start performs startup reconciliation (adopting live sessions, failing
// orphaned ones, re-queuing queued tasks) and launches the background tick
// loop. It returns once reconciliation completes; the tick loop runs until
// ctx is cancelled or Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reconcileOnStartup(ctx); err != nil {
		return xerrors.Errorf("startup reconciliation: %w", err)
	}

	go s.tickLoop(ctx)
	return nil
}

// Shutdown signals the tick loop to stop and waits for it to exit or ctx to
// expire. Live sessions are left running; they are adopted on next Start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := s.clock.NewTicker(s.pollInterval, "scheduler.tick")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) reconcileOnStartup(ctx context.Context) error {
	running, err := s.store.LoadRunning(ctx)
	if err != nil {
		return xerrors.Errorf("load running tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range running {
		if s.runner.Exists(ctx, t.SessionName) {
			s.running[t.ID] = t
			s.log.Info(ctx, "adopted live session on startup", slog.F("task_id", t.ID), slog.F("session", t.SessionName))
			continue
		}

		tree := worktree.For(s.runtimeRoot, t.ID)
		status, exitCode, errMsg := classifyVanishedSession(tree, "session lost across restart")
		now := s.clock.Now()
		t.Status = status
		t.CompletedAt = &now
		t.ExitCode = exitCode
		t.Error = errMsg

		patch := taskstore.Patch{Status: &status, CompletedAt: &now, Error: &errMsg}
		if exitCode != nil {
			patch.ExitCode = exitCode
		}
		if err := s.store.Update(ctx, t.ID, patch); err != nil {
			return xerrors.Errorf("persist startup reconciliation for task %d: %w", t.ID, err)
		}
		s.log.Warn(ctx, "task orphaned across restart", slog.F("task_id", t.ID), slog.F("status", status))
	}

	queued, err := s.store.ListByStatus(ctx, task.StatusQueued)
	if err != nil {
		return xerrors.Errorf("load queued tasks: %w", err)
	}
	s.queue = append(s.queue, queued...)

	return nil
}

// Submit validates and enqueues a new task. It does not launch synchronously
// — the task waits for the next tick.
func (s *Scheduler) Submit(ctx context.Context, name, gpuType string, gpuCount int, command string) (*task.Task, error) {
	command = strings.TrimSpace(command)
	if gpuCount < 1 {
		return nil, newValidationError("gpu_count must be at least 1")
	}
	if command == "" {
		return nil, newValidationError("command must not be empty")
	}

	gpus, ok := s.probe.Snapshot(ctx)
	if !ok {
		return nil, newValidationError("GPU inventory unavailable")
	}
	if !anyGPUHasModel(gpus, gpuType) {
		return nil, newValidationError(fmt.Sprintf("unknown gpu_type %q", gpuType))
	}

	now := s.clock.Now()
	t := &task.Task{
		Name:      name,
		GPUType:   gpuType,
		GPUCount:  gpuCount,
		Command:   command,
		Status:    task.StatusQueued,
		CreatedAt: now,
	}

	id, err := s.store.Insert(ctx, t)
	if err != nil {
		return nil, xerrors.Errorf("insert task: %w", err)
	}
	t.ID = id

	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.log.Info(ctx, "task submitted", slog.F("task_id", id), slog.F("gpu_type", gpuType), slog.F("gpu_count", gpuCount))
	return t.Clone(), nil
}

func anyGPUHasModel(gpus []task.GPU, model string) bool {
	for _, g := range gpus {
		if g.ModelName == model {
			return true
		}
	}
	return false
}

// List returns every task, newest first — a pure read-through to the store.
func (s *Scheduler) List(ctx context.Context) ([]*task.Task, error) {
	tasks, err := s.store.ListAllDescByCreation(ctx)
	if err != nil {
		return nil, xerrors.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Get returns the task with the given id.
func (s *Scheduler) Get(ctx context.Context, id int64) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("get task %d: %w", id, err)
	}
	if t == nil {
		return nil, newNotFound(fmt.Sprintf("task %d not found", id))
	}
	return t, nil
}

// GPUStatus augments the current probe snapshot with scheduler-derived
// occupancy, computed under the state lock so it is consistent with the
// running-set.
func (s *Scheduler) GPUStatus(ctx context.Context) ([]task.GPUView, error) {
	gpus, ok := s.probe.Snapshot(ctx)
	if !ok {
		return nil, newProbeUnavailable("GPU inventory unavailable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	holder := make(map[int]int64, len(s.running))
	for id, t := range s.running {
		for _, idx := range t.AssignedGPUs {
			holder[idx] = id
		}
	}

	views := make([]task.GPUView, len(gpus))
	for i, g := range gpus {
		v := task.GPUView{GPU: g, IsFree: true}
		if id, held := holder[g.Index]; held {
			v.AssignedTaskID = &id
			v.IsFree = false
		}
		views[i] = v
	}
	return views, nil
}

// Logs returns the final `tail` lines of the task's log file.
func (s *Scheduler) Logs(ctx context.Context, id int64, tail int) (logtail.Result, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return logtail.Result{}, xerrors.Errorf("get task %d: %w", id, err)
	}
	if t == nil {
		return logtail.Result{}, newNotFound(fmt.Sprintf("task %d not found", id))
	}
	if t.LogPath == "" {
		return logtail.Result{}, nil
	}
	res, err := logtail.Tail(t.LogPath, tail)
	if err != nil {
		return logtail.Result{}, xerrors.Errorf("tail log for task %d: %w", id, err)
	}
	return res, nil
}

// Cancel terminates a queued or running task. Terminal tasks return
// IllegalState.
func (s *Scheduler) Cancel(ctx context.Context, id int64) (*task.Task, error) {
	s.mu.Lock()

	if t, idx := s.findQueued(id); t != nil {
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		now := s.clock.Now()
		t.Status = task.StatusCancelled
		t.CompletedAt = &now
		t.Error = "cancelled before start"
		s.mu.Unlock()

		status := task.StatusCancelled
		errMsg := t.Error
		if err := s.store.Update(ctx, id, taskstore.Patch{Status: &status, CompletedAt: &now, Error: &errMsg}); err != nil {
			return nil, xerrors.Errorf("persist cancel for task %d: %w", id, err)
		}
		return t.Clone(), nil
	}

	if t, ok := s.running[id]; ok {
		session := t.SessionName
		// Subprocess call made with the lock held, per spec.md §5: the single
		// dedicated worker (here, the caller of Cancel) is the only one
		// mutating this task, so a brief hold is acceptable.
		killErr := s.runner.Kill(ctx, session)
		delete(s.running, id)

		now := s.clock.Now()
		t.Status = task.StatusCancelled
		t.CompletedAt = &now
		t.Error = "cancelled by user"
		s.mu.Unlock()

		if killErr != nil {
			s.log.Warn(ctx, "kill on cancel reported error", slog.F("task_id", id), slog.Error(killErr))
		}

		status := task.StatusCancelled
		errMsg := t.Error
		if err := s.store.Update(ctx, id, taskstore.Patch{Status: &status, CompletedAt: &now, Error: &errMsg}); err != nil {
			return nil, xerrors.Errorf("persist cancel for task %d: %w", id, err)
		}
		return t.Clone(), nil
	}
	s.mu.Unlock()

	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("get task %d: %w", id, err)
	}
	if existing == nil {
		return nil, newNotFound(fmt.Sprintf("task %d not found", id))
	}
	return nil, newIllegalState("task already terminal")
}

func (s *Scheduler) findQueued(id int64) (*task.Task, int) {
	for i, t := range s.queue {
		if t.ID == id {
			return t, i
		}
	}
	return nil, -1
}

// Tick is one iteration of the scheduling loop: snapshot, admission,
// reconcile. It is exported so tests can drive it deterministically without
// waiting on the background ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.tickCounter.Inc()
	defer s.updateGaugesLocked()

	gpus, ok := s.probe.Snapshot(ctx)
	if !ok {
		s.log.Warn(ctx, "tick skipped: GPU probe unavailable")
		return
	}

	free := s.freePoolLocked(gpus)
	s.admitLocked(ctx, free)
	s.reconcileLocked(ctx)
}

// freePoolLocked groups unheld GPU indices by model, in probe order, which
// is what gives launch its stable tie-break.
func (s *Scheduler) freePoolLocked(gpus []task.GPU) map[string][]int {
	held := make(map[int]bool, len(s.running))
	for _, t := range s.running {
		for _, idx := range t.AssignedGPUs {
			held[idx] = true
		}
	}
	free := map[string][]int{}
	for _, g := range gpus {
		if held[g.Index] {
			continue
		}
		free[g.ModelName] = append(free[g.ModelName], g.Index)
	}
	return free
}

// admitLocked pops tasks from the queue head while the head's requirement
// can be met, stopping (not skipping ahead) the first time it cannot — the
// head-of-line blocking behavior spec.md §4.5 requires.
func (s *Scheduler) admitLocked(ctx context.Context, free map[string][]int) {
	for len(s.queue) > 0 {
		head := s.queue[0]
		avail := free[head.GPUType]
		if len(avail) < head.GPUCount {
			return
		}

		assigned := append([]int(nil), avail[:head.GPUCount]...)
		free[head.GPUType] = avail[head.GPUCount:]
		s.queue = s.queue[1:]

		if !s.launchLocked(ctx, head, assigned) {
			// Store write failure: roll the task back to queued at the head
			// so the next tick retries it, and release the GPUs we reserved
			// for this attempt back to the free pool for this tick.
			free[head.GPUType] = append(assigned, free[head.GPUType]...)
			s.queue = append([]*task.Task{head}, s.queue...)
			return
		}
	}
}

// launchLocked materializes the work tree and starts the session for t.
// It returns false only on a store-write failure (the task is left queued
// for retry); a session-start failure is handled internally by marking the
// task failed, per spec.md §4.5 step 4 / §4.5 Failure semantics.
func (s *Scheduler) launchLocked(ctx context.Context, t *task.Task, gpuIndices []int) bool {
	tree, err := worktree.Materialize(s.runtimeRoot, t.ID, t.Command, s.shellInit)
	if err != nil {
		s.failLaunchLocked(ctx, t, wrapErr(KindLaunchFailure, "materialize work tree", err))
		return true
	}

	session := fmt.Sprintf("task_%d", t.ID)
	now := s.clock.Now()

	t.Status = task.StatusRunning
	t.StartedAt = &now
	t.AssignedGPUs = gpuIndices
	t.SessionName = session
	t.LogPath = tree.Log

	status := task.StatusRunning
	gpusCopy := append([]int(nil), gpuIndices...)
	patch := taskstore.Patch{
		Status:       &status,
		StartedAt:    &now,
		AssignedGPUs: &gpusCopy,
		SessionName:  &session,
		LogPath:      &tree.Log,
	}
	if err := s.store.Update(ctx, t.ID, patch); err != nil {
		// Roll the in-memory task back to queued; caller re-queues it.
		t.Status = task.StatusQueued
		t.StartedAt = nil
		t.AssignedGPUs = nil
		t.SessionName = ""
		t.LogPath = ""
		s.log.Error(ctx, "persist launch failed, retrying next tick", slog.F("task_id", t.ID), slog.Error(err))
		return false
	}

	if err := s.runner.Start(ctx, session, tree.RunSh); err != nil {
		s.failLaunchLocked(ctx, t, wrapErr(KindLaunchFailure, "start session", err))
		return true
	}

	s.running[t.ID] = t
	s.log.Info(ctx, "task launched", slog.F("task_id", t.ID), slog.F("session", session), slog.F("gpus", gpuIndices))
	return true
}

// failLaunchLocked records a launch-time failure: the task never entered
// the running-set, so its GPUs were never held and need no release step.
func (s *Scheduler) failLaunchLocked(ctx context.Context, t *task.Task, launchErr error) {
	now := s.clock.Now()
	t.Status = task.StatusFailed
	t.CompletedAt = &now
	t.Error = launchErr.Error()
	t.AssignedGPUs = nil

	status := task.StatusFailed
	errMsg := t.Error
	empty := []int{}
	patch := taskstore.Patch{Status: &status, CompletedAt: &now, Error: &errMsg, AssignedGPUs: &empty}
	if err := s.store.Update(ctx, t.ID, patch); err != nil {
		s.log.Error(ctx, "persist launch failure", slog.F("task_id", t.ID), slog.Error(err))
	}
	s.log.Warn(ctx, "task launch failed", slog.F("task_id", t.ID), slog.Error(launchErr))
}

// reconcileLocked observes liveness of every running task's session and
// records terminal state for any that have ended.
func (s *Scheduler) reconcileLocked(ctx context.Context) {
	for id, t := range s.running {
		if s.runner.Exists(ctx, t.SessionName) {
			continue
		}

		tree := worktree.For(s.runtimeRoot, id)
		status, exitCode, errMsg := classifyVanishedSession(tree, "session ended without recording exit code")

		now := s.clock.Now()
		t.Status = status
		t.CompletedAt = &now
		t.ExitCode = exitCode
		t.Error = errMsg
		delete(s.running, id)

		patch := taskstore.Patch{Status: &status, CompletedAt: &now, Error: &errMsg}
		if exitCode != nil {
			patch.ExitCode = exitCode
		}
		if err := s.store.Update(ctx, id, patch); err != nil {
			s.log.Error(ctx, "persist reconcile", slog.F("task_id", id), slog.Error(err))
		}
		s.log.Info(ctx, "task reconciled", slog.F("task_id", id), slog.F("status", status))
	}
}

// classifyVanishedSession reads a task's exit_code file and maps it to a
// terminal status, used by both the regular tick reconcile path and startup
// adoption of orphaned sessions. missingMsg is the error recorded when the
// exit_code file is absent or unparseable — the two call sites use
// different wording for that case (spec.md §4.2 vs §4.5).
func classifyVanishedSession(tree worktree.Tree, missingMsg string) (task.Status, *int, string) {
	code, ok := worktree.ReadExitCode(tree)
	if !ok {
		return task.StatusFailed, nil, missingMsg
	}
	if code == 0 {
		return task.StatusCompleted, &code, ""
	}
	return task.StatusFailed, &code, fmt.Sprintf("exit code %d", code)
}

func (s *Scheduler) updateGaugesLocked() {
	s.runningGauge.Set(float64(len(s.running)))
	s.queuedGauge.Set(float64(len(s.queue)))
}
