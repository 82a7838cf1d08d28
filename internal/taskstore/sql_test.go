package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rosterlabs/roster/internal/config"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(config.StoreConfig{
		Backend: "sqlite",
		Path:    filepath.Join(t.TempDir(), "tasks.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id string) *Task {
	return &Task{
		ID:            id,
		Name:          "morning briefing",
		Description:   "daily digest of the feeds",
		AgentName:     "researcher",
		Prompt:        "summarize the news",
		Enabled:       true,
		ScheduleKind:  "cron",
		ScheduleValue: "0 9 * * *",
		Repeat:        true,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		LastStatus:    StatusPending,
	}
}

func TestSQLStore_UpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := sampleTask("t1")
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != task.Name || got.Description != task.Description || got.ScheduleValue != task.ScheduleValue || !got.Repeat {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.LastStatus != StatusPending {
		t.Errorf("last_status = %q, want %q", got.LastStatus, StatusPending)
	}
}

func TestSQLStore_UpsertUpdatesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := sampleTask("t1")
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	task.LastStatus = StatusSucceeded
	task.LastRunAt = &now
	task.TotalRuns = 1
	task.SuccessfulRuns = 1
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != StatusSucceeded || got.TotalRuns != 1 {
		t.Errorf("update not applied: %+v", got)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Errorf("last_run_at = %v, want %v", got.LastRunAt, now)
	}

	all, err := s.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("tasks = %d, want 1 after upsert of same id", len(all))
	}
}

func TestSQLStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetTask(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_ListTasksFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleTask("a")
	b := sampleTask("b")
	b.AgentName = "operator"
	c := sampleTask("c")
	c.Enabled = false
	for _, task := range []*Task{a, b, c} {
		if err := s.UpsertTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	enabled := true
	got, err := s.ListTasks(ctx, Filter{Enabled: &enabled})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("enabled tasks = %d, want 2", len(got))
	}

	got, err = s.ListTasks(ctx, Filter{AgentName: "operator"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("operator tasks = %+v", got)
	}
}

func TestSQLStore_DeleteTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTask(ctx, sampleTask("t1")); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendExecution(ctx, &Execution{
		ID: "e1", TaskID: "t1", StartedAt: time.Now().UTC(), Status: StatusSucceeded,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("task survived delete: %v", err)
	}
	execs, err := s.ListExecutions(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 0 {
		t.Errorf("executions survived delete: %d", len(execs))
	}

	if err := s.DeleteTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_ExecutionHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTask(ctx, sampleTask("t1")); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		started := base.Add(time.Duration(i) * time.Minute)
		finished := started.Add(30 * time.Second)
		status := StatusSucceeded
		errMsg := ""
		if i == 3 {
			status = StatusFailed
			errMsg = "tool server unreachable"
		}
		if err := s.AppendExecution(ctx, &Execution{
			ID:           "e" + string(rune('0'+i)),
			TaskID:       "t1",
			StartedAt:    started,
			FinishedAt:   &finished,
			Status:       status,
			ErrorMessage: errMsg,
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Newest first, limited.
	execs, err := s.ListExecutions(ctx, "t1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 3 {
		t.Fatalf("executions = %d, want 3", len(execs))
	}
	if execs[0].ID != "e4" {
		t.Errorf("newest execution = %q, want e4", execs[0].ID)
	}
	if execs[1].Status != StatusFailed || execs[1].ErrorMessage != "tool server unreachable" {
		t.Errorf("failed record = %+v", execs[1])
	}
	if execs[0].FinishedAt == nil {
		t.Error("finished_at lost in round trip")
	}
}
