package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/taskstore"
	"github.com/rosterlabs/roster/internal/util"
)

const (
	// stopGrace is how long Stop waits for running executions before
	// cancelling them.
	stopGrace = 30 * time.Second

	// summaryLimit bounds the output summary stored per execution.
	summaryLimit = 500
)

// RunFunc executes one agent request on behalf of a task.
type RunFunc func(ctx context.Context, agentName, prompt string) (string, error)

// Scheduler arms one timer per enabled task and guarantees at most one
// execution per task at a time: a trigger that fires while the previous run
// is still going is coalesced and recorded, not queued.
type Scheduler struct {
	store taskstore.Store
	run   RunFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inflight map[string]bool
	stopped  bool
}

// New creates a stopped scheduler; call Start to load and arm tasks.
func New(store taskstore.Store, run RunFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		run:      run,
		baseCtx:  ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
		inflight: make(map[string]bool),
	}
}

// Start recovers tasks interrupted by a crash, then arms every enabled
// task.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recoverCrashed(ctx); err != nil {
		return err
	}

	tasks, err := s.store.ListTasks(ctx, taskstore.Filter{})
	if err != nil {
		return err
	}
	armed := 0
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		if err := s.arm(ctx, t); err != nil {
			log.Printf("[Scheduler] task %q not armed: %v", t.ID, err)
			continue
		}
		armed++
	}
	log.Printf("[Scheduler] started: %d task(s) armed", armed)
	return nil
}

// recoverCrashed marks tasks left in "running" by a previous process as
// failed and records the interruption.
func (s *Scheduler) recoverCrashed(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx, taskstore.Filter{})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.LastStatus != taskstore.StatusRunning {
			continue
		}
		now := time.Now().UTC()
		t.LastStatus = taskstore.StatusFailed
		t.FailedRuns++
		if err := s.store.UpsertTask(ctx, t); err != nil {
			return err
		}
		if err := s.store.AppendExecution(ctx, &taskstore.Execution{
			ID:           uuid.NewString(),
			TaskID:       t.ID,
			StartedAt:    now,
			FinishedAt:   &now,
			Status:       taskstore.StatusFailed,
			ErrorMessage: "crash-recovered",
		}); err != nil {
			return err
		}
		log.Printf("[Scheduler] task %q was running at shutdown, marked failed", t.ID)
	}
	return nil
}

// Upsert validates, persists and (re)arms a task. Disabling a task disarms
// it; the in-flight run, if any, is left to finish.
func (s *Scheduler) Upsert(ctx context.Context, t *taskstore.Task) error {
	if _, err := Parse(t.ScheduleKind, t.ScheduleValue); err != nil {
		return err
	}
	if t.AgentName == "" {
		return fault.New(fault.ConfigInvalid, "scheduler: task %q has no agent", t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.LastStatus == "" {
		t.LastStatus = taskstore.StatusPending
	}
	if err := s.store.UpsertTask(ctx, t); err != nil {
		return err
	}

	s.disarm(t.ID)
	if !t.Enabled {
		return nil
	}
	return s.arm(ctx, t)
}

// Delete disarms and removes a task with its execution history.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.disarm(id)
	return s.store.DeleteTask(ctx, id)
}

// Stop disarms every timer, gives running executions a grace period, then
// cancels the stragglers. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		log.Printf("[Scheduler] grace period over, cancelling running task(s)")
		s.cancel()
		<-done
	}
	s.cancel()
	log.Printf("[Scheduler] stopped")
}

// ── Arming and firing ──

// arm schedules the task's next trigger and persists next_run_at.
func (s *Scheduler) arm(ctx context.Context, t *taskstore.Task) error {
	sched, err := Parse(t.ScheduleKind, t.ScheduleValue)
	if err != nil {
		return err
	}

	// Finished one-shots never fire again; a failed once-task is armed
	// again at startup because it has never succeeded.
	done := t.LastStatus == taskstore.StatusSucceeded || t.LastStatus == taskstore.StatusCancelled
	if done && (!t.Repeat || t.ScheduleKind == KindOnce) {
		return nil
	}

	now := time.Now()
	next, ok := sched.Next(now, t.LastRunAt)
	if !ok {
		return nil
	}

	nextUTC := next.UTC()
	t.NextRunAt = &nextUTC
	if err := s.store.UpsertTask(ctx, t); err != nil {
		return err
	}

	id := t.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = time.AfterFunc(time.Until(next), func() { s.fire(id) })
	return nil
}

// disarm stops a task's pending timer.
func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// fire handles one trigger. Coalescing: if the previous run of the same
// task has not finished, the trigger is recorded and dropped.
func (s *Scheduler) fire(id string) {
	ctx := s.baseCtx

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		log.Printf("[Scheduler] fire %q: %v", id, err)
		return
	}
	if !task.Enabled {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.inflight[id] {
		s.mu.Unlock()
		s.coalesce(ctx, task)
		return
	}
	s.inflight[id] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(task)
}

// coalesce records a dropped trigger and re-arms the task.
func (s *Scheduler) coalesce(ctx context.Context, task *taskstore.Task) {
	log.Printf("[Scheduler] task %q still running, coalescing trigger", task.ID)
	now := time.Now().UTC()
	if err := s.store.AppendExecution(ctx, &taskstore.Execution{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		StartedAt:     now,
		FinishedAt:    &now,
		Status:        taskstore.StatusCancelled,
		OutputSummary: "coalesced: previous run still in flight",
	}); err != nil {
		log.Printf("[Scheduler] task %q: record coalesced trigger: %v", task.ID, err)
	}
	if task.Repeat && task.ScheduleKind != KindOnce {
		if err := s.arm(ctx, task); err != nil {
			log.Printf("[Scheduler] task %q: re-arm after coalesce: %v", task.ID, err)
		}
	}
}

// execute performs one run and writes both the updated task and the
// execution record.
func (s *Scheduler) execute(task *taskstore.Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, task.ID)
		s.mu.Unlock()
	}()

	ctx := s.baseCtx
	started := time.Now().UTC()
	task.LastRunAt = &started
	task.LastStatus = taskstore.StatusRunning
	task.TotalRuns++
	if err := s.store.UpsertTask(ctx, task); err != nil {
		log.Printf("[Scheduler] task %q: mark running: %v", task.ID, err)
	}

	out, runErr := s.run(ctx, task.AgentName, task.Prompt)
	finished := time.Now().UTC()

	exec := &taskstore.Execution{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		StartedAt:  started,
		FinishedAt: &finished,
	}
	switch {
	case runErr == nil:
		task.LastStatus = taskstore.StatusSucceeded
		task.SuccessfulRuns++
		exec.Status = taskstore.StatusSucceeded
		exec.OutputSummary = util.TruncateRunes(out, summaryLimit)
	case ctx.Err() != nil || fault.KindOf(runErr) == fault.Cancelled:
		task.LastStatus = taskstore.StatusCancelled
		exec.Status = taskstore.StatusCancelled
		exec.ErrorMessage = runErr.Error()
	default:
		task.LastStatus = taskstore.StatusFailed
		task.FailedRuns++
		exec.Status = taskstore.StatusFailed
		exec.ErrorMessage = runErr.Error()
	}

	task.NextRunAt = nil
	if err := s.store.UpsertTask(ctx, task); err != nil {
		log.Printf("[Scheduler] task %q: store result: %v", task.ID, err)
	}
	if err := s.store.AppendExecution(ctx, exec); err != nil {
		log.Printf("[Scheduler] task %q: append execution: %v", task.ID, err)
	}
	if runErr != nil {
		log.Printf("[Scheduler] task %q finished: %s (%v)", task.ID, exec.Status, runErr)
	} else {
		log.Printf("[Scheduler] task %q finished: %s", task.ID, exec.Status)
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	// Only repeating schedules arm a further trigger after a run; a
	// once-instant fires at most once per process.
	if !stopped && task.Repeat && task.ScheduleKind != KindOnce {
		if err := s.arm(ctx, task); err != nil {
			log.Printf("[Scheduler] task %q: re-arm: %v", task.ID, err)
		}
	}
}
