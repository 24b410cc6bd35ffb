package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "tiny-agent/internal/errors"
)

func TestWebhookNotifier(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dispatcher := New(Config{Webhooks: []string{srv.URL}, Timeout: time.Second})
	err := dispatcher.Notify(context.Background(), Event{
		Code:       "TASK_RETRIES_EXHAUSTED",
		Message:    "boom",
		Severity:   xerrors.SeverityCritical,
		TaskID:     "run-1",
		Attempts:   3,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	event := <-received
	require.Equal(t, "run-1", event.TaskID)
	require.Equal(t, xerrors.SeverityCritical, event.Severity)
}

func TestWebhookNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dispatcher := New(Config{Webhooks: []string{srv.URL}})
	err := dispatcher.Notify(context.Background(), Event{TaskID: "run-2"})
	require.ErrorContains(t, err, "502")
}

func TestSlackNotifier(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dispatcher := New(Config{Slack: []string{srv.URL}, Timeout: time.Second})
	err := dispatcher.Notify(context.Background(), Event{
		Code:       "TASK_RETRIES_EXHAUSTED",
		Message:    "boom",
		Severity:   xerrors.SeverityCritical,
		TaskID:     "run-3",
		Attempts:   3,
		MaxRetries: 3,
		OccurredAt: time.Unix(1700000000, 0),
	})
	require.NoError(t, err)

	payload := <-received
	require.Contains(t, payload["text"], "TASK_RETRIES_EXHAUSTED")
	attachments, ok := payload["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
	attachment := attachments[0].(map[string]any)
	require.Equal(t, "danger", attachment["color"])
	require.Equal(t, "boom", attachment["text"])
}

func TestSlackNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := (&SlackNotifier{WebhookURL: srv.URL}).Notify(context.Background(), Event{TaskID: "run-4"})
	require.Error(t, err)
}
