package scheduler

import (
	"context"
	"time"
)

// State is the scheduling state of a queued task
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateCancelled
	StateExecuted
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateCancelled:
		return "cancelled"
	case StateExecuted:
		return "executed"
	default:
		return "idle"
	}
}

// Task is a named unit of work fired by a Scheduler.
//
// Tasks are tracked by identity, so implementations must be comparable;
// pointer receivers are the norm. An empty name makes the task anonymous.
type Task interface {
	Name() string
	Run(ctx context.Context) Result
}

// Releaser is implemented by tasks holding resources. The scheduler calls
// Release when it drops a task it owns: an executed one-shot task, a task
// cancelled without taking ownership back, or a task left over at Stop.
type Releaser interface {
	Release()
}

// Result tells the scheduler what to do once a task body returns.
// The zero value means nothing further; a periodic task stays armed.
type Result struct {
	next  Task
	delay time.Duration
	stop  bool
}

// Continue asks the scheduler to schedule next as a one-shot task after delay.
func Continue(next Task, delay time.Duration) Result {
	return Result{next: next, delay: delay}
}

// Stop terminates the task: a periodic task is cancelled and no successor
// is scheduled.
func Stop() Result {
	return Result{stop: true}
}

// Next returns the successor requested by Continue, if any
func (r Result) Next() (Task, time.Duration, bool) {
	return r.next, r.delay, r.next != nil
}

// Stopped reports whether the result terminates the task
func (r Result) Stopped() bool {
	return r.stop
}

type funcTask struct {
	name string
	fn   func(ctx context.Context) Result
}

// NewTask wraps fn into a Task with the given name
func NewTask(name string, fn func(ctx context.Context) Result) Task {
	return &funcTask{name: name, fn: fn}
}

func (t *funcTask) Name() string                   { return t.name }
func (t *funcTask) Run(ctx context.Context) Result { return t.fn(ctx) }
