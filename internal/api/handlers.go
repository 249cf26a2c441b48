package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cdr.dev/slog"

	"github.com/gpuqueue/gpuqueue/internal/scheduler"
	"github.com/gpuqueue/gpuqueue/internal/task"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps a scheduler.Kind to its HTTP status in a single switch,
// per SPEC_FULL.md §7 — the API layer never string-sniffs error messages.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch scheduler.KindOf(err) {
	case scheduler.KindValidation:
		status = http.StatusBadRequest
	case scheduler.KindNotFound:
		status = http.StatusNotFound
	case scheduler.KindIllegalState:
		status = http.StatusConflict
	case scheduler.KindProbeUnavailable:
		status = http.StatusServiceUnavailable
	}

	s.log.Warn(r.Context(), "request failed",
		slog.F("request_id", requestIDFrom(r.Context())),
		slog.F("status", status),
		slog.Error(err),
	)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGPUStatus(w http.ResponseWriter, r *http.Request) {
	views, err := s.scheduler.GPUStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// taskSummary is the list-view shape of spec.md §6: id, name, status,
// gpu_type, gpu_count, created_at — not the full record.
type taskSummary struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Status    task.Status `json:"status"`
	GPUType   string      `json:"gpu_type"`
	GPUCount  int         `json:"gpu_count"`
	CreatedAt string      `json:"created_at"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.scheduler.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summaries := make([]taskSummary, len(tasks))
	for i, t := range tasks {
		summaries[i] = taskSummary{
			ID:        t.ID,
			Name:      t.Name,
			Status:    t.Status,
			GPUType:   t.GPUType,
			GPUCount:  t.GPUCount,
			CreatedAt: t.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		}
	}
	writeJSON(w, http.StatusOK, summaries)
}

type submitRequest struct {
	Name     string `json:"name" validate:"max=256"`
	GPUType  string `json:"gpu_type" validate:"required"`
	GPUCount int    `json:"gpu_count" validate:"required,gte=1"`
	Command  string `json:"command" validate:"required"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, scheduler.NewValidationError("invalid request body"))
		return
	}
	// Cheap-rejection fast path only; Scheduler.Submit re-validates domain
	// rules regardless, per SPEC_FULL.md §6.
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, scheduler.NewValidationError(err.Error()))
		return
	}

	t, err := s.scheduler.Submit(r.Context(), req.Name, req.GPUType, req.GPUCount, req.Command)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) parseTaskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, scheduler.NewValidationError("invalid task id"))
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseTaskID(w, r)
	if !ok {
		return
	}
	t, err := s.scheduler.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type logsResponse struct {
	TaskID    int64    `json:"task_id"`
	Lines     []string `json:"lines"`
	Truncated bool     `json:"truncated"`
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseTaskID(w, r)
	if !ok {
		return
	}

	tail := int64(0)
	if raw := r.URL.Query().Get("tail"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, scheduler.NewValidationError("tail must be an integer"))
			return
		}
		tail = parsed
	}
	tail = s.cfg.ClampLogTail(tail)

	res, err := s.scheduler.Logs(r.Context(), id, int(tail))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lines := res.Lines
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, logsResponse{TaskID: id, Lines: lines, Truncated: res.Truncated})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseTaskID(w, r)
	if !ok {
		return
	}
	t, err := s.scheduler.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
