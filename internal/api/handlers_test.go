package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/gpuqueue/gpuqueue/internal/api"
	"github.com/gpuqueue/gpuqueue/internal/config"
	"github.com/gpuqueue/gpuqueue/internal/gpuprobe/gpuprobetest"
	"github.com/gpuqueue/gpuqueue/internal/scheduler"
	"github.com/gpuqueue/gpuqueue/internal/taskstore"
	"github.com/gpuqueue/gpuqueue/internal/tmuxrunner/tmuxtest"
)

func newTestServer(t *testing.T) (http.Handler, *scheduler.Scheduler) {
	t.Helper()
	dir := t.TempDir()
	store, err := taskstore.Open(filepath.Join(dir, "tasks.db"), filepath.Join(dir, "gpuqueue.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sched, err := scheduler.New(scheduler.Dependencies{
		Log:          slogtest.Make(t, nil),
		Store:        store,
		Probe:        gpuprobetest.New(gpuprobetest.NGPUs("A100", 2)...),
		Runner:       tmuxtest.New(),
		RuntimeRoot:  dir,
		PollInterval: 0,
		Clock:        quartz.NewMock(t),
	})
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })

	cfg := config.Default()
	return api.NewRouter(slogtest.Make(t, nil), sched, cfg), sched
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestSubmitAndGetTask(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t)

	payload, err := json.Marshal(map[string]interface{}{
		"name":      "t1",
		"gpu_type":  "A100",
		"gpu_count": 1,
		"command":   "echo hi",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := int64(created["id"].(float64))

	req2 := httptest.NewRequest(http.MethodGet, "/api/tasks/"+jsonInt(id), nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestSubmitValidationError(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t)

	payload, err := json.Marshal(map[string]interface{}{
		"gpu_type":  "A100",
		"gpu_count": 0,
		"command":   "echo hi",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMissingTaskIs404(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/99999", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelMissingTaskIs404(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/99999/cancel", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGPUStatusEndpoint(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/gpus", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
