package task

import (
	"context"
	"testing"
	"time"

	"tiny-agent/internal/agent"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "t1", Input: "fetch weather", Status: StatusPending, MaxRetries: 3},
		{ID: "t2", Input: "list files", Status: StatusPending, MaxRetries: 3},
		{ID: "t3", Input: "run uptime", Status: StatusPending, MaxRetries: 3},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}
	if err := store.Create(ctx, &Task{ID: "t1"}); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", &agent.RunResult{Status: agent.StatusCompleted, Answer: "up 3 days"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" || all[2].ID != "t1" {
		t.Fatalf("expected newest first, got %+v", ids(all))
	}

	asc, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(2)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if len(asc) != 2 || asc[0].ID != "t1" || asc[1].ID != "t2" {
		t.Fatalf("unexpected ascending list: %v", ids(asc))
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" || failed[0].LastError != "boom" {
		t.Fatalf("unexpected failed list: %v", ids(failed))
	}

	withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(withResult) != 1 || withResult[0].Result.Answer != "up 3 days" {
		t.Fatalf("unexpected result list: %v", ids(withResult))
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("UP 3")}))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "t3" {
		t.Fatalf("query should match the answer: %v", ids(matched))
	}

	offset, err := store.List(ctx, buildListOptions([]ListOption{WithOffset(5)}))
	if err != nil || len(offset) != 0 {
		t.Fatalf("offset past the end should be empty: %v %v", ids(offset), err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Retrying != 1 || stats.Active() != 2 {
		t.Fatalf("failed run with attempts left should count as retrying: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() {
		t.Fatalf("unexpected stats range: %+v", stats)
	}
}

func TestMemoryStoreClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "c1", Input: "x", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "c1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "c1"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("running task must not be claimed twice, got %v", err)
	}

	if err := store.MarkFailed(ctx, "c1", CodeTaskProcessing, "retry me", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "c1"); err != nil {
		t.Fatalf("failed task should be claimable again: %v", err)
	}
	if err := store.MarkFailed(ctx, "c1", CodeTaskProcessing, "again", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "c1"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	original := &Task{ID: "m1", Input: "x", Tools: []string{"http"}, Metadata: map[string]any{"k": "v"}, MaxRetries: 1}
	if err := store.Create(ctx, original); err != nil {
		t.Fatalf("create: %v", err)
	}
	original.Tools[0] = "shell"
	original.Metadata["k"] = "changed"

	stored, err := store.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Tools[0] != "http" || stored.Metadata["k"] != "v" {
		t.Fatalf("store must keep its own copy: %+v", stored)
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func TestMemoryStoreListBySession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, sample := range []*Task{
		{ID: "a", Input: "one", Session: "s1", Status: StatusPending, MaxRetries: 3},
		{ID: "b", Input: "two", Session: "s2", Status: StatusPending, MaxRetries: 3},
		{ID: "c", Input: "three", Session: "s1", Status: StatusSucceeded, MaxRetries: 3},
	} {
		if err := store.Create(ctx, sample); err != nil {
			t.Fatalf("create %s: %v", sample.ID, err)
		}
	}

	tasks, err := store.List(ctx, buildListOptions([]ListOption{WithSession(" s1 ")}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks in session s1, got %d", len(tasks))
	}
	stats, err := store.Stats(ctx, buildListOptions([]ListOption{WithSession("s1"), WithStatuses(StatusSucceeded)}))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
