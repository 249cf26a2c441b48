// Package taskstore is the durable, single-writer task record store
// described in SPEC_FULL.md §5.2. It is the sole reason restart reconciliation
// is possible: every Task mutation the scheduler makes is persisted here,
// and a launch is persisted before its tmux session is started.
package taskstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"

	"github.com/gpuqueue/gpuqueue/internal/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the durable task record store. Every method is safe for
// concurrent use; callers never need their own lock around it.
type Store struct {
	mu   sync.Mutex
	db   *sqlx.DB
	lock *flock.Flock
}

// Open opens (creating if absent) the sqlite-backed store at dbPath,
// migrating it to the latest schema, and acquires an exclusive flock at
// lockPath for the life of the process — this is what guarantees a runtime
// root is never shared by two scheduler processes, satisfying the store's
// single-writer invariant even across restarts.
func Open(dbPath, lockPath string) (*Store, error) {
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, xerrors.Errorf("lock runtime root: %w", err)
	}
	if !locked {
		return nil, xerrors.New("runtime root already locked by another gpuqueue process")
	}

	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		_ = lock.Unlock()
		return nil, xerrors.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, xerrors.Errorf("migrate: %w", err)
	}

	return &Store{db: db, lock: lock}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the database handle and the runtime-root lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// row is the sqlite-native shape; timestamps and assigned_gpus need
// translation to/from task.Task.
type row struct {
	ID           int64          `db:"id"`
	Name         string         `db:"name"`
	GPUType      string         `db:"gpu_type"`
	GPUCount     int            `db:"gpu_count"`
	Command      string         `db:"command"`
	Status       string         `db:"status"`
	CreatedAt    string         `db:"created_at"`
	StartedAt    sql.NullString `db:"started_at"`
	CompletedAt  sql.NullString `db:"completed_at"`
	AssignedGPUs string         `db:"assigned_gpus"`
	SessionName  string         `db:"session_name"`
	ExitCode     sql.NullInt64  `db:"exit_code"`
	Error        string         `db:"error"`
	LogPath      string         `db:"log_path"`
}

func toRow(t *task.Task) row {
	r := row{
		ID:           t.ID,
		Name:         t.Name,
		GPUType:      t.GPUType,
		GPUCount:     t.GPUCount,
		Command:      t.Command,
		Status:       string(t.Status),
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339Nano),
		AssignedGPUs: joinGPUs(t.AssignedGPUs),
		SessionName:  t.SessionName,
		Error:        t.Error,
		LogPath:      t.LogPath,
	}
	if t.StartedAt != nil {
		r.StartedAt = sql.NullString{String: t.StartedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if t.CompletedAt != nil {
		r.CompletedAt = sql.NullString{String: t.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if t.ExitCode != nil {
		r.ExitCode = sql.NullInt64{Int64: int64(*t.ExitCode), Valid: true}
	}
	return r
}

func fromRow(r row) (*task.Task, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, xerrors.Errorf("parse created_at: %w", err)
	}
	t := &task.Task{
		ID:           r.ID,
		Name:         r.Name,
		GPUType:      r.GPUType,
		GPUCount:     r.GPUCount,
		Command:      r.Command,
		Status:       task.Status(r.Status),
		CreatedAt:    createdAt,
		AssignedGPUs: splitGPUs(r.AssignedGPUs),
		SessionName:  r.SessionName,
		Error:        r.Error,
		LogPath:      r.LogPath,
	}
	if r.StartedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, r.StartedAt.String)
		if err != nil {
			return nil, xerrors.Errorf("parse started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if r.CompletedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, r.CompletedAt.String)
		if err != nil {
			return nil, xerrors.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		t.ExitCode = &code
	}
	return t, nil
}

func joinGPUs(gpus []int) string {
	parts := make([]string, len(gpus))
	for i, g := range gpus {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, ",")
}

func splitGPUs(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Insert stores t with the status it carries and returns its assigned id.
func (s *Store) Insert(ctx context.Context, t *task.Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := toRow(t)
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (name, gpu_type, gpu_count, command, status, created_at,
			started_at, completed_at, assigned_gpus, session_name, exit_code, error, log_path)
		VALUES (:name, :gpu_type, :gpu_count, :command, :status, :created_at,
			:started_at, :completed_at, :assigned_gpus, :session_name, :exit_code, :error, :log_path)
	`, r)
	if err != nil {
		return 0, xerrors.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, xerrors.Errorf("read inserted id: %w", err)
	}
	return id, nil
}

// Patch describes a partial update to a task record; nil fields are left
// untouched. Used by the scheduler to persist state transitions.
type Patch struct {
	Status       *task.Status
	StartedAt    *time.Time
	CompletedAt  *time.Time
	AssignedGPUs *[]int
	SessionName  *string
	ExitCode     *int
	Error        *string
	LogPath      *string
}

// Update applies patch to the task with the given id.
func (s *Store) Update(ctx context.Context, id int64, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sets []string
	args := map[string]interface{}{"id": id}

	if patch.Status != nil {
		sets = append(sets, "status = :status")
		args["status"] = string(*patch.Status)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = :started_at")
		args["started_at"] = patch.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = :completed_at")
		args["completed_at"] = patch.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.AssignedGPUs != nil {
		sets = append(sets, "assigned_gpus = :assigned_gpus")
		args["assigned_gpus"] = joinGPUs(*patch.AssignedGPUs)
	}
	if patch.SessionName != nil {
		sets = append(sets, "session_name = :session_name")
		args["session_name"] = *patch.SessionName
	}
	if patch.ExitCode != nil {
		sets = append(sets, "exit_code = :exit_code")
		args["exit_code"] = *patch.ExitCode
	}
	if patch.Error != nil {
		sets = append(sets, "error = :error")
		args["error"] = *patch.Error
	}
	if patch.LogPath != nil {
		sets = append(sets, "log_path = :log_path")
		args["log_path"] = *patch.LogPath
	}

	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = :id", strings.Join(sets, ", "))
	res, err := s.db.NamedExecContext(ctx, query, args)
	if err != nil {
		return xerrors.Errorf("update task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Errorf("rows affected for task %d: %w", id, err)
	}
	if n == 0 {
		return xerrors.Errorf("task %d not found", id)
	}
	return nil
}

// Get returns the task with the given id, or nil, nil if absent.
func (s *Store) Get(ctx context.Context, id int64) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r row
	err := s.db.GetContext(ctx, &r, "SELECT * FROM tasks WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("get task %d: %w", id, err)
	}
	return fromRow(r)
}

// ListAllDescByCreation returns every task, newest first.
func (s *Store) ListAllDescByCreation(ctx context.Context) ([]*task.Task, error) {
	return s.query(ctx, "SELECT * FROM tasks ORDER BY julianday(created_at) DESC, id DESC")
}

// ListByStatus returns every task with the given status, ordered by id.
func (s *Store) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return s.query(ctx, "SELECT * FROM tasks WHERE status = ? ORDER BY id ASC", string(status))
}

// LoadRunning returns every task with status=running, ordered by id; used
// only at startup reconciliation.
func (s *Store) LoadRunning(ctx context.Context) ([]*task.Task, error) {
	return s.ListByStatus(ctx, task.StatusRunning)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, xerrors.Errorf("query tasks: %w", err)
	}
	tasks := make([]*task.Task, 0, len(rows))
	for _, r := range rows {
		t, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
