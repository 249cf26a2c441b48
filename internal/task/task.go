// Package task defines the data model shared by the scheduler, the durable
// store, and the HTTP API: tasks, GPU records, and the status state machine.
package task

import "time"

// Status is one of the states in the task lifecycle state machine.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is a single submitted job: a shell command that needs gpu_count GPUs
// of model gpu_type. See SPEC_FULL.md §4 for the invariants that must hold
// between ticks and across restart.
type Task struct {
	ID            int64      `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	GPUType       string     `json:"gpu_type" db:"gpu_type"`
	GPUCount      int        `json:"gpu_count" db:"gpu_count"`
	Command       string     `json:"command" db:"command"`
	Status        Status     `json:"status" db:"status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	AssignedGPUs  []int      `json:"assigned_gpus" db:"-"`
	SessionName   string     `json:"session_name" db:"session_name"`
	ExitCode      *int       `json:"exit_code,omitempty" db:"exit_code"`
	Error         string     `json:"error,omitempty" db:"error"`
	LogPath       string     `json:"log_path" db:"log_path"`
}

// Clone returns a deep-enough copy so callers holding the scheduler lock can
// hand out a Task without the receiver mutating shared state.
func (t *Task) Clone() *Task {
	clone := *t
	if t.AssignedGPUs != nil {
		clone.AssignedGPUs = append([]int(nil), t.AssignedGPUs...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		clone.ExitCode = &code
	}
	return &clone
}

// GPU is one record from the probe snapshot.
type GPU struct {
	Index         int     `json:"index"`
	UUID          string  `json:"uuid"`
	ModelName     string  `json:"model_name"`
	MemoryTotal   *int64  `json:"memory_total,omitempty"`
	MemoryUsed    *int64  `json:"memory_used,omitempty"`
	Utilization   *int    `json:"utilization,omitempty"`
	Processes     []int   `json:"processes,omitempty"`
}

// GPUView augments a probe record with scheduler-derived occupancy, returned
// by gpu_status().
type GPUView struct {
	GPU
	AssignedTaskID *int64 `json:"assigned_task_id,omitempty"`
	IsFree         bool   `json:"is_free"`
}
