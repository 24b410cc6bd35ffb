package task

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueueRequeuesOnHandlerError(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := queue.Publish(ctx, "task-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n, _ := queue.Len(ctx); n != 1 {
		t.Fatalf("expected depth 1, got %d", n)
	}

	var attempts atomic.Int32
	handled := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 1, func(_ context.Context, id string) error {
			if attempts.Add(1) < 3 {
				return stdErrors.New("transient")
			}
			close(handled)
			return nil
		})
	}()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("task not redelivered, attempts=%d", attempts.Load())
	}
	cancel()
	if err := <-done; !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	err := queue.Publish(context.Background(), "task-1")
	if !stdErrors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := queue.Consume(context.Background(), 2, func(context.Context, string) error { return nil }); err != nil {
		t.Fatalf("consume on closed queue should return nil, got %v", err)
	}
}

func TestMemoryQueueCloseUnblocksPublish(t *testing.T) {
	queue := NewMemoryQueue(1)
	ctx := context.Background()
	if err := queue.Publish(ctx, "task-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- queue.Publish(ctx, "task-2") }()

	closed := make(chan struct{})
	go func() {
		_ = queue.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close waited on a blocked publisher")
	}
	select {
	case err := <-blocked:
		if !stdErrors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish still blocked after close")
	}

	var handled []string
	if err := queue.Consume(ctx, 1, func(_ context.Context, id string) error {
		handled = append(handled, id)
		return nil
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(handled) != 1 || handled[0] != "task-1" {
		t.Fatalf("queued task should drain after close: %v", handled)
	}
}
