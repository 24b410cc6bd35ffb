package tinyagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url", nil)
	require.Error(t, err)
}

func TestSubmit(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/runs", r.URL.Path)
		var sub Submission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		assert.Equal(t, "say hi", sub.Task)
		assert.Equal(t, []string{"http"}, sub.Tools)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Task: sub.Task, Status: StatusPending, MaxRetries: 3})
	}))

	run, err := client.Submit(context.Background(), Submission{Task: "say hi", Tools: []string{"http"}})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, StatusPending, run.Status)
	assert.False(t, run.Done)
}

func TestSubmitAndWaitSendsWait(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "30s", r.URL.Query().Get("wait"))
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Status: StatusSucceeded, Done: true,
			Result: &RunResult{Status: "completed", Answer: "hi"}})
	}))

	run, err := client.SubmitAndWait(context.Background(), Submission{Task: "x"}, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, run.Result)
	assert.Equal(t, "hi", run.Result.Answer)
}

func TestGetNotFound(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/missing", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "TASK_NOT_FOUND", "message": "task not found"})
	}))

	_, err := client.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "TASK_NOT_FOUND", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "task not found")
}

func TestListStatsAndTools(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "failed,pending", q.Get("status"))
		assert.Equal(t, "fetch", q.Get("q"))
		_ = json.NewEncoder(w).Encode(map[string]any{"runs": []Run{{ID: "a"}, {ID: "b"}}, "count": 2})
	})
	mux.HandleFunc("/api/v1/runs/stats", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "asc", r.URL.Query().Get("order"))
		_ = json.NewEncoder(w).Encode(Stats{Total: 4, Failed: 1})
	})
	mux.HandleFunc("/api/v1/tools", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"tools": []Tool{{Name: "http_request", Capabilities: []string{"network"}}}})
	})
	client := newClient(t, mux)
	ctx := context.Background()

	runs, err := client.List(ctx, ListOptions{Limit: 5, Statuses: []string{StatusFailed, StatusPending}, Query: "fetch"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	stats, err := client.Stats(ctx, ListOptions{Oldest: true})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)

	tools, err := client.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "http_request", tools[0].Name)
}

func TestWaitPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		run := Run{ID: "run-1", Status: StatusRunning}
		if n >= 3 {
			run.Status = StatusSucceeded
			run.Done = true
		}
		_ = json.NewEncoder(w).Encode(run)
	}))

	run, err := client.Wait(context.Background(), "run-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Status: StatusPending})
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Wait(ctx, "run-1", 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
