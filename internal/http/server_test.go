package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_http "github.com/contentforge/tasking/internal/http"
	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
)

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, channel string) error { return nil }
func (noopNotifier) Wait(ctx context.Context, channel string, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return nil
	}
}

func TestServer(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newServer := func(t *testing.T) (*httptest.Server, storage.Store) {
		store := storage.NewMockStore()
		srv := httptest.NewServer(internal_http.NewServer(store, noopNotifier{}).Router())
		t.Cleanup(srv.Close)
		return srv, store
	}

	postJSON := func(t *testing.T, srv *httptest.Server, path string, payload interface{}) *http.Response {
		t.Helper()
		body, err := json.Marshal(payload)
		require.NoError(t, err)
		resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	getJSON := func(t *testing.T, srv *httptest.Server, path string) *http.Response {
		t.Helper()
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	decode := func(t *testing.T, resp *http.Response, dest interface{}) {
		t.Helper()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	}

	t.Run("HealthCheck", func(t *testing.T) {
		srv, _ := newServer(t)
		resp := getJSON(t, srv, "/health")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("CreateAndGetTask", func(t *testing.T) {
		srv, _ := newServer(t)
		resp := postJSON(t, srv, "/tasks", map[string]interface{}{
			"work":                "sync",
			"args":                map[string]interface{}{"repository": "rpm-main"},
			"exclusive_resources": []string{"repo-a"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var created models.Task
		decode(t, resp, &created)
		assert.Equal(t, "sync", created.Work)
		assert.Equal(t, models.WaitingTaskState, created.State)
		assert.NotEmpty(t, created.CorrelationID)

		resp = getJSON(t, srv, "/tasks/"+created.ID.String())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var fetched models.Task
		decode(t, resp, &fetched)
		assert.Equal(t, created.ID, fetched.ID)
	})

	t.Run("CreateTaskRequiresWork", func(t *testing.T) {
		srv, _ := newServer(t)
		resp := postJSON(t, srv, "/tasks", map[string]interface{}{"name": "no work"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("GetUnknownTask", func(t *testing.T) {
		srv, _ := newServer(t)
		resp := getJSON(t, srv, "/tasks/00000000-0000-0000-0000-000000000001")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = getJSON(t, srv, "/tasks/not-a-uuid")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("ListTasksByState", func(t *testing.T) {
		srv, _ := newServer(t)
		for i := 0; i < 3; i++ {
			resp := postJSON(t, srv, "/tasks", map[string]interface{}{"work": fmt.Sprintf("sync-%d", i)})
			require.Equal(t, http.StatusCreated, resp.StatusCode)
		}

		resp := getJSON(t, srv, "/tasks?state=waiting")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var tasks []models.Task
		decode(t, resp, &tasks)
		assert.Len(t, tasks, 3)

		resp = getJSON(t, srv, "/tasks?state=waiting&limit=2")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decode(t, resp, &tasks)
		assert.Len(t, tasks, 2)

		resp = getJSON(t, srv, "/tasks?state=bogus")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("CancelTask", func(t *testing.T) {
		srv, store := newServer(t)
		resp := postJSON(t, srv, "/tasks", map[string]interface{}{"work": "sync"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var created models.Task
		decode(t, resp, &created)

		resp = postJSON(t, srv, "/tasks/"+created.ID.String()+"/cancel", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var canceled models.Task
		decode(t, resp, &canceled)
		assert.Equal(t, models.CanceledTaskState, canceled.State)

		// terminal now: a second cancel conflicts
		resp = postJSON(t, srv, "/tasks/"+created.ID.String()+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		stored, err := store.GetTask(created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CanceledTaskState, stored.State)
	})

	t.Run("PurgeTasks", func(t *testing.T) {
		srv, store := newServer(t)
		resp := postJSON(t, srv, "/tasks", map[string]interface{}{"work": "sync"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var created models.Task
		decode(t, resp, &created)

		_, err := store.MarkTaskRunning(created.ID, "worker-1")
		require.NoError(t, err)
		_, err = store.FinishTask(created.ID, models.CompletedTaskState, nil, nil)
		require.NoError(t, err)

		resp = postJSON(t, srv, "/tasks/purge", map[string]interface{}{
			"finished_before": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var result map[string]int64
		decode(t, resp, &result)
		assert.Equal(t, int64(1), result["deleted"])

		resp = postJSON(t, srv, "/tasks/purge", map[string]interface{}{
			"finished_before": time.Now().Format(time.RFC3339),
			"states":          []string{"running"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("TaskGroupFlow", func(t *testing.T) {
		srv, _ := newServer(t)
		resp := postJSON(t, srv, "/task-groups", map[string]interface{}{"description": "nightly"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var group models.TaskGroup
		decode(t, resp, &group)

		resp = postJSON(t, srv, "/tasks", map[string]interface{}{
			"work":     "mirror",
			"group_id": group.ID.String(),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		resp = postJSON(t, srv, "/task-groups/"+group.ID.String()+"/finish", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var finished models.TaskGroup
		decode(t, resp, &finished)
		assert.True(t, finished.AllTasksDispatched)
		assert.Equal(t, 1, finished.Counts[models.WaitingTaskState])

		// dispatching into a finished group conflicts
		resp = postJSON(t, srv, "/tasks", map[string]interface{}{
			"work":     "mirror",
			"group_id": group.ID.String(),
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		resp = getJSON(t, srv, "/task-groups/"+group.ID.String()+"/tasks")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var members []models.Task
		decode(t, resp, &members)
		assert.Len(t, members, 1)
	})

	t.Run("ListWorkers", func(t *testing.T) {
		srv, store := newServer(t)
		require.NoError(t, store.Heartbeat("worker-1", nil))

		resp := getJSON(t, srv, "/workers")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var workers []struct {
			Name   string              `json:"name"`
			Status models.WorkerStatus `json:"status"`
		}
		decode(t, resp, &workers)
		require.Len(t, workers, 1)
		assert.Equal(t, "worker-1", workers[0].Name)
		assert.Equal(t, models.OnlineWorkerStatus, workers[0].Status)
	})
}
