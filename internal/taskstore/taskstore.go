// Package taskstore persists scheduled tasks and their execution history.
// Back-ends are selected by name from configuration; sqlite and postgres
// ship built in.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/fault"
)

// Status is the lifecycle state of a task's most recent run, and of each
// execution record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrNotFound is returned (wrapped) when a task id does not exist.
var ErrNotFound = errors.New("taskstore: task not found")

// Task is one scheduled agent invocation.
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	AgentName   string `json:"agent_name"`
	Prompt      string `json:"prompt"`
	Enabled     bool   `json:"enabled"`

	// ScheduleKind/ScheduleValue encode the trigger: ("cron", expr),
	// ("interval", seconds) or ("once", RFC3339 instant). The scheduler
	// package owns parsing.
	ScheduleKind  string `json:"schedule_kind"`
	ScheduleValue string `json:"schedule_value"`
	Repeat        bool   `json:"repeat"`

	CreatedAt  time.Time  `json:"created_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastStatus Status     `json:"last_status"`

	TotalRuns      int `json:"total_runs"`
	SuccessfulRuns int `json:"successful_runs"`
	FailedRuns     int `json:"failed_runs"`
}

// Execution is one append-only record of a task attempt.
type Execution struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        Status     `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	OutputSummary string     `json:"output_summary,omitempty"`
}

// Filter narrows ListTasks. Zero value matches everything.
type Filter struct {
	Enabled   *bool
	AgentName string
}

// Store is the pluggable persistence behind the scheduler.
type Store interface {
	UpsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f Filter) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error
	AppendExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]*Execution, error)
	Close() error
}

// Constructor opens a store from its configuration.
type Constructor func(cfg config.StoreConfig) (Store, error)

var backends = map[string]Constructor{}

// Register makes a back-end available under a name. Registering the same
// name twice is a programming error.
func Register(name string, ctor Constructor) {
	if _, dup := backends[name]; dup {
		panic("taskstore: backend " + name + " registered twice")
	}
	backends[name] = ctor
}

// Open constructs the back-end named by cfg.Backend.
func Open(cfg config.StoreConfig) (Store, error) {
	ctor, ok := backends[cfg.Backend]
	if !ok {
		return nil, fault.New(fault.ConfigInvalid, "taskstore: unknown backend %q", cfg.Backend)
	}
	return ctor(cfg)
}
