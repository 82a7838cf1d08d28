package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/taskstore"
)

func openStore(t *testing.T) taskstore.Store {
	t.Helper()
	s, err := taskstore.Open(config.StoreConfig{
		Backend: "sqlite",
		Path:    filepath.Join(t.TempDir(), "sched.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intervalTask(id string, secs string) *taskstore.Task {
	return &taskstore.Task{
		ID:            id,
		Name:          id,
		AgentName:     "researcher",
		Prompt:        "do the thing",
		Enabled:       true,
		ScheduleKind:  KindInterval,
		ScheduleValue: secs,
		Repeat:        true,
		CreatedAt:     time.Now().UTC(),
		LastStatus:    taskstore.StatusPending,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduler_OncePastFiresImmediately(t *testing.T) {
	store := openStore(t)
	var runs atomic.Int32
	s := New(store, func(ctx context.Context, agent, prompt string) (string, error) {
		runs.Add(1)
		return "done", nil
	})
	defer s.Stop()

	task := intervalTask("t-once", "1")
	task.ScheduleKind = KindOnce
	task.ScheduleValue = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	task.Repeat = false
	if err := s.Upsert(context.Background(), task); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })

	waitFor(t, 2*time.Second, func() bool {
		got, err := store.GetTask(context.Background(), "t-once")
		return err == nil && got.LastStatus == taskstore.StatusSucceeded
	})
	got, err := store.GetTask(context.Background(), "t-once")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalRuns != 1 || got.SuccessfulRuns != 1 {
		t.Errorf("counters = %d/%d, want 1/1", got.TotalRuns, got.SuccessfulRuns)
	}
}

func TestScheduler_FailedOnceRunsExactlyOnce(t *testing.T) {
	store := openStore(t)
	var runs atomic.Int32
	s := New(store, func(ctx context.Context, agent, prompt string) (string, error) {
		runs.Add(1)
		return "", errors.New("agent unavailable")
	})
	defer s.Stop()

	task := intervalTask("t-once-fail", "1")
	task.ScheduleKind = KindOnce
	task.ScheduleValue = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	task.Repeat = false
	if err := s.Upsert(context.Background(), task); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })

	// A failed non-repeating task must stay idle, not retry in a loop.
	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want exactly 1", got)
	}
	got, err := store.GetTask(context.Background(), "t-once-fail")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalRuns != 1 || got.FailedRuns != 1 {
		t.Errorf("counters = %d total / %d failed, want 1/1", got.TotalRuns, got.FailedRuns)
	}
	if got.LastStatus != taskstore.StatusFailed {
		t.Errorf("last_status = %q, want failed", got.LastStatus)
	}
}

func TestScheduler_ImpossibleCronNeverFires(t *testing.T) {
	store := openStore(t)
	var runs atomic.Int32
	s := New(store, func(ctx context.Context, agent, prompt string) (string, error) {
		runs.Add(1)
		return "", nil
	})
	defer s.Stop()

	task := intervalTask("t-feb30", "1")
	task.ScheduleKind = KindCron
	task.ScheduleValue = "0 0 30 2 *"
	if err := s.Upsert(context.Background(), task); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// The task is stored but never armed and never fires.
	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("runs = %d, want 0", got)
	}
	got, err := store.GetTask(context.Background(), "t-feb30")
	if err != nil {
		t.Fatal(err)
	}
	if got.NextRunAt != nil {
		t.Errorf("next_run_at = %v, want unset", got.NextRunAt)
	}
	execs, err := store.ListExecutions(context.Background(), "t-feb30", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 0 {
		t.Errorf("executions = %d, want none", len(execs))
	}
}

func TestScheduler_CoalescesOverlappingTriggers(t *testing.T) {
	store := openStore(t)
	release := make(chan struct{})
	var runs atomic.Int32
	s := New(store, func(ctx context.Context, agent, prompt string) (string, error) {
		runs.Add(1)
		<-release
		return "slow result", nil
	})
	defer s.Stop()

	task := intervalTask("t-slow", "3600")
	if err := s.Upsert(context.Background(), task); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// First trigger starts the run; the second fires while it is in flight.
	s.fire("t-slow")
	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
	s.fire("t-slow")
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		got, err := store.GetTask(context.Background(), "t-slow")
		return err == nil && got.LastStatus == taskstore.StatusSucceeded
	})

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 (second trigger coalesced)", got)
	}

	execs, err := store.ListExecutions(context.Background(), "t-slow", 0)
	if err != nil {
		t.Fatal(err)
	}
	var coalesced, succeeded int
	for _, e := range execs {
		switch {
		case e.Status == taskstore.StatusCancelled && e.OutputSummary != "":
			coalesced++
		case e.Status == taskstore.StatusSucceeded:
			succeeded++
		}
	}
	if coalesced != 1 || succeeded != 1 {
		t.Errorf("executions: coalesced=%d succeeded=%d, want 1/1 (%+v)", coalesced, succeeded, execs)
	}
}

func TestScheduler_CrashRecovery(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	// A previous process died mid-run.
	task := intervalTask("t-crashed", "3600")
	task.LastStatus = taskstore.StatusRunning
	task.TotalRuns = 1
	if err := store.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	s := New(store, func(ctx context.Context, agent, prompt string) (string, error) {
		return "", errors.New("should not run yet")
	})
	defer s.Stop()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := store.GetTask(ctx, "t-crashed")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != taskstore.StatusFailed {
		t.Errorf("last_status = %q, want failed", got.LastStatus)
	}
	if got.FailedRuns != 1 {
		t.Errorf("failed_runs = %d, want 1", got.FailedRuns)
	}

	execs, err := store.ListExecutions(ctx, "t-crashed", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || execs[0].ErrorMessage != "crash-recovered" {
		t.Errorf("executions = %+v, want one crash-recovered record", execs)
	}
}

func TestScheduler_DisabledTaskNotArmed(t *testing.T) {
	store := openStore(t)
	var runs atomic.Int32
	s := New(store, func(ctx context.Context, agent, prompt string) (string, error) {
		runs.Add(1)
		return "", nil
	})
	defer s.Stop()

	task := intervalTask("t-off", "1")
	task.Enabled = false
	if err := s.Upsert(context.Background(), task); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	s.fire("t-off")
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Errorf("disabled task ran %d time(s)", runs.Load())
	}
}

func TestScheduler_UpsertRejectsBadSchedule(t *testing.T) {
	store := openStore(t)
	s := New(store, func(ctx context.Context, agent, prompt string) (string, error) {
		return "", nil
	})
	defer s.Stop()

	task := intervalTask("t-bad", "0")
	if err := s.Upsert(context.Background(), task); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if _, err := store.GetTask(context.Background(), "t-bad"); err == nil {
		t.Error("invalid task must not be persisted")
	}
}

func TestScheduler_FailedRunRecorded(t *testing.T) {
	store := openStore(t)
	boom := errors.New("model unavailable")
	s := New(store, func(ctx context.Context, agent, prompt string) (string, error) {
		return "", boom
	})
	defer s.Stop()

	task := intervalTask("t-fail", "3600")
	if err := s.Upsert(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	s.fire("t-fail")

	waitFor(t, 2*time.Second, func() bool {
		got, err := store.GetTask(context.Background(), "t-fail")
		return err == nil && got.LastStatus == taskstore.StatusFailed
	})
	got, _ := store.GetTask(context.Background(), "t-fail")
	if got.FailedRuns != 1 || got.SuccessfulRuns != 0 {
		t.Errorf("counters = %+v", got)
	}
}
