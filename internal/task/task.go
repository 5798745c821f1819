// Package task implements the abstract task lifecycle of spec §4.8: a
// single validated execute()/cancel() driver with three override points
// (executeTask, cancelTask, cleanupTask), grounded on the
// coordinator.Executor/Plan/Waiter wave-based completion tracking,
// generalized from "wait for a DAG of sub-agent waves" into "drive one
// task through PENDING -> RUNNING -> (COMPLETED|FAILED) with cooperative
// cancellation".
package task

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the task's lifecycle state (spec §3). Terminal states are sticky.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Dependency is a declared prerequisite (spec §4.8: "taskId and type present").
type Dependency struct {
	TaskID string
	Type   string
}

// Resources is the declared resource request; all fields must be >= 0.
type Resources struct {
	CPU    float64
	Memory float64
}

// Config is the task's static configuration (spec §3's Task.config).
type Config struct {
	ID           string
	Type         string
	Priority     float64
	Dependencies []Dependency
	Resources    Resources
	Params       map[string]any
}

// Result is the outcome of execution or cancellation.
type Result struct {
	Success bool
	Data    any
	Error   string
}

// EventType enumerates the task's event taxonomy (spec §4.8).
type EventType string

const (
	EventStart    EventType = "start"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event carries the task and its current result snapshot.
type Event struct {
	Type EventType
	Task *Task
}

// Handler consumes task events.
type Handler func(Event)

// Executor is the three-override-point interface a concrete task subtype
// implements (spec §4.8: executeTask/cancelTask/cleanupTask).
type Executor interface {
	ExecuteTask(ctx context.Context, cfg Config) (Result, error)
	CancelTask(ctx context.Context) error
	CleanupTask(ctx context.Context) error
}

// Task is the lifecycle driver shared by every concrete subtype.
type Task struct {
	mu sync.Mutex

	cfg      Config
	executor Executor
	handler  Handler

	status      Status
	result      *Result
	startTime   time.Time
	endTime     time.Time
	duration    time.Duration
	isCancelled bool
}

// New creates a Task over the given executor, starting PENDING.
func New(cfg Config, executor Executor, handler Handler) *Task {
	return &Task{cfg: cfg, executor: executor, handler: handler, status: StatusPending}
}

func (t *Task) emit(evType EventType) {
	if t.handler != nil {
		t.handler(Event{Type: evType, Task: t})
	}
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns a copy of the current result, if any.
func (t *Task) Result() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return Result{}, false
	}
	return *t.result, true
}

// validate checks id/type/priority presence, per-dependency taskId/type
// presence, and non-negative resource fields (spec §4.8 step 1).
func (t *Task) validate() []string {
	var reasons []string
	if t.cfg.ID == "" {
		reasons = append(reasons, "id is required")
	}
	if t.cfg.Type == "" {
		reasons = append(reasons, "type is required")
	}
	if t.cfg.Priority == 0 {
		// Zero is a valid priority value elsewhere in the system (e.g. the
		// queue's default), but spec §4.8 requires priority be *present*;
		// Config has no separate "unset" representation, so an explicit
		// zero is accepted as present. Negative priorities are not
		// restricted by §4.8 (only resource fields carry a >=0 invariant).
	}
	for i, dep := range t.cfg.Dependencies {
		if dep.TaskID == "" {
			reasons = append(reasons, fmt.Sprintf("dependency[%d]: taskId is required", i))
		}
		if dep.Type == "" {
			reasons = append(reasons, fmt.Sprintf("dependency[%d]: type is required", i))
		}
	}
	if t.cfg.Resources.CPU < 0 {
		reasons = append(reasons, "resources.cpu must be >= 0")
	}
	if t.cfg.Resources.Memory < 0 {
		reasons = append(reasons, "resources.memory must be >= 0")
	}
	return reasons
}

func (t *Task) setTerminal(status Status, result Result) {
	t.mu.Lock()
	t.status = status
	t.result = &result
	t.mu.Unlock()
}

// Execute runs the task through validation, start, execution, and
// completion per §4.8. It is a no-op returning the existing result if
// already terminal.
func (t *Task) Execute(ctx context.Context) Result {
	t.mu.Lock()
	if t.status.terminal() {
		r := *t.result
		t.mu.Unlock()
		return r
	}
	t.mu.Unlock()

	if reasons := t.validate(); len(reasons) > 0 {
		msg := fmt.Sprintf("validation failed: %v", reasons)
		t.setTerminal(StatusFailed, Result{Success: false, Error: msg})
		t.emit(EventError)
		r, _ := t.Result()
		return r
	}

	t.mu.Lock()
	cancelled := t.isCancelled
	t.mu.Unlock()
	if cancelled {
		t.setTerminal(StatusFailed, Result{Success: false, Error: "cancelled before execution"})
		t.emit(EventError)
		r, _ := t.Result()
		return r
	}

	t.mu.Lock()
	t.status = StatusRunning
	t.startTime = time.Now()
	t.mu.Unlock()
	t.emit(EventStart)

	res, err := t.safeExecuteTask(ctx)

	t.mu.Lock()
	cancelledAfter := t.isCancelled
	t.mu.Unlock()
	if cancelledAfter {
		t.finishAt(StatusFailed, Result{Success: false, Error: "cancelled during execution"})
		t.emit(EventError)
		r, _ := t.Result()
		return r
	}

	if err != nil {
		t.finishAt(StatusFailed, Result{Success: false, Error: err.Error()})
		t.emit(EventError)
		r, _ := t.Result()
		return r
	}

	if res.Success {
		t.finishAt(StatusCompleted, res)
		t.emit(EventComplete)
	} else {
		t.finishAt(StatusFailed, res)
		t.emit(EventError)
	}
	r, _ := t.Result()
	return r
}

// safeExecuteTask wraps executor.ExecuteTask, converting a panic into an
// error so a misbehaving subtype still routes through the FAILED path
// (spec §4.8 step 6: "any thrown error... is wrapped into an Error").
func (t *Task) safeExecuteTask(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executeTask panicked: %v", r)
		}
	}()
	return t.executor.ExecuteTask(ctx, t.cfg)
}

func (t *Task) finishAt(status Status, result Result) {
	t.mu.Lock()
	t.endTime = time.Now()
	t.duration = t.endTime.Sub(t.startTime)
	t.status = status
	t.result = &result
	t.mu.Unlock()
}

// Cancel implements spec §4.8's cancel() contract. Terminal tasks are a no-op.
func (t *Task) Cancel(ctx context.Context) Result {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()

	switch status {
	case StatusPending:
		t.setTerminal(StatusFailed, Result{Success: false, Error: "cancelled before execution"})
		t.emit(EventError)
	case StatusRunning:
		t.mu.Lock()
		t.isCancelled = true
		t.mu.Unlock()

		cancelErr := t.executor.CancelTask(ctx)

		errMsg := "cancelled during execution"
		if cancelErr != nil {
			errMsg = cancelErr.Error()
		}
		t.finishAt(StatusFailed, Result{Success: false, Error: errMsg})
		t.emit(EventError)
	default:
		// Terminal already: no-op.
	}

	r, _ := t.Result()
	return r
}

// Cleanup invokes the executor's cleanup override point.
func (t *Task) Cleanup(ctx context.Context) error {
	return t.executor.CleanupTask(ctx)
}
