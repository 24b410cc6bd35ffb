package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "tiny-agent/internal/errors"
)

func TestHTTPToolDecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token", r.Header.Get("X-Token"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"ok":true,"items":[1,2]}`))
	}))
	defer server.Close()

	res := NewHTTPTool(HTTPConfig{}).Execute(context.Background(), map[string]any{
		"url":     server.URL,
		"headers": map[string]any{"X-Token": "token"},
	})
	require.True(t, res.Success, res.Error)
	require.Equal(t, 200, res.Data["status_code"])
	require.Equal(t, map[string]any{"ok": true, "items": []any{float64(1), float64(2)}}, res.Data["json"])
	require.Contains(t, res.Data["headers"], "content-type")
}

func TestHTTPToolNon2xxIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		http.Error(w, "nope", http.StatusTeapot)
	}))
	defer server.Close()

	res := NewHTTPTool(HTTPConfig{}).Execute(context.Background(), map[string]any{
		"method": "post",
		"url":    server.URL,
		"json":   map[string]any{"a": 1},
	})
	require.True(t, res.Success)
	require.Equal(t, http.StatusTeapot, res.Data["status_code"])
	require.Nil(t, res.Data["json"])
	require.Contains(t, res.Data["text"], "nope")
}

func TestHTTPToolCachesGet(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	tool := NewHTTPTool(HTTPConfig{CacheTTL: time.Minute})
	first := tool.Execute(context.Background(), map[string]any{"url": server.URL})
	second := tool.Execute(context.Background(), map[string]any{"url": server.URL})
	require.True(t, first.Success)
	require.True(t, second.Success)
	require.Equal(t, "hello", second.Data["text"])
	require.Equal(t, true, second.Metadata["cached"])
	require.EqualValues(t, 1, hits.Load())
}

func TestHTTPToolErrors(t *testing.T) {
	tool := NewHTTPTool(HTTPConfig{})
	res := tool.Execute(context.Background(), map[string]any{"url": "ftp://example.com"})
	require.Equal(t, xerrors.CodeToolInvalidArgs, res.Code)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	res = tool.Execute(context.Background(), map[string]any{"url": server.URL, "timeout": 0.05})
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeTimeout, res.Code)
}
