package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiny-agent/internal/agent"
	"tiny-agent/internal/task"
	"tiny-agent/internal/tool"
)

type staticTools []tool.Info

func (s staticTools) List() []tool.Info { return s }

func newTestServer(t *testing.T) (*Server, *task.MemoryStore, *task.MemoryQueue) {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	t.Cleanup(func() { _ = queue.Close() })
	svc := task.NewService(store, queue, 3)
	tools := staticTools{{Name: "echo", Description: "echo input", Capabilities: []tool.Capability{tool.CapabilityNetwork}}}
	return NewServer(":0", svc, WithTools(tools)), store, queue
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateRunAccepted(t *testing.T) {
	server, store, _ := newTestServer(t)
	rec := do(t, server.Handler(), http.MethodPost, "/api/v1/runs", `{"task":"  say hi  ","tools":["echo"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "say hi", got.Input)
	assert.Equal(t, task.StatusPending, got.Status)

	stored, err := store.Get(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, stored.Tools)
}

func TestCreateRunValidation(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Handler()

	cases := map[string]string{
		"empty task":    `{"task":"   "}`,
		"bad json":      `{"task":`,
		"unknown field": `{"task":"x","extra":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/runs", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var e errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.NotEmpty(t, e.Code)
			assert.NotEmpty(t, e.Message)
		})
	}

	rec := do(t, h, http.MethodPost, "/api/v1/runs?wait=soon", `{"task":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRunWaitsForCompletion(t *testing.T) {
	server, store, queue := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := task.RunnerFunc(func(_ context.Context, req task.Request) (*agent.RunResult, error) {
		return &agent.RunResult{Task: req.Task, Status: agent.StatusCompleted, Answer: "done"}, nil
	})
	processor := task.NewProcessor(runner, store, queue, queue)
	go func() { _ = processor.Start(ctx) }()

	rec := do(t, server.Handler(), http.MethodPost, "/api/v1/runs?wait=5s", `{"task":"finish me"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, task.StatusSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", got.Result.Answer)
}

func TestRunDetail(t *testing.T) {
	server, store, _ := newTestServer(t)
	sample := &task.Task{
		ID:         "run-1",
		Input:      "demo",
		Status:     task.StatusSucceeded,
		Attempts:   1,
		MaxRetries: 3,
		Result:     &agent.RunResult{Status: agent.StatusCompleted, Answer: "ok"},
	}
	require.NoError(t, store.Create(context.Background(), sample))

	h := server.Handler()
	rec := do(t, h, http.MethodGet, "/api/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.ID)
	require.NotNil(t, got.Result)
	assert.Equal(t, "ok", got.Result.Answer)
	assert.Contains(t, rec.Body.String(), `"done":true`)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var e errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, string(task.CodeTaskNotFound), e.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/runs/run-1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListAndStats(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()
	for _, sample := range []*task.Task{
		{ID: "a", Input: "fetch weather", Status: task.StatusSucceeded, MaxRetries: 3},
		{ID: "b", Input: "read file", Status: task.StatusFailed, MaxRetries: 3, LastError: "boom"},
		{ID: "c", Input: "fetch block", Status: task.StatusPending, MaxRetries: 3},
	} {
		require.NoError(t, store.Create(ctx, sample))
	}
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/runs?status=succeeded,pending&q=fetch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs  []task.Task `json:"runs"`
		Count int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	rec = do(t, h, http.MethodGet, "/api/v1/runs?limit=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Runs, 1)

	rec = do(t, h, http.MethodGet, "/api/v1/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/runs?status=exploded", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats task.TaskStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Failed)
	assert.Contains(t, rec.Body.String(), `"queue_depth":0`)
}

func TestToolsHealthAndMetrics(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tools []tool.Info `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "echo", body.Tools[0].Name)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tinyagent_http_requests_total")
}

func TestServerWithoutService(t *testing.T) {
	rec := do(t, NewServer(":0", nil).Handler(), http.MethodGet, "/api/v1/runs/x", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartStopsOnCancel(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil, WithTimeouts(0, 0, time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
