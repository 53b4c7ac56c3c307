package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"chaincopier/internal/errors"
	"chaincopier/internal/logging"
)

// entry is the scheduling record of one queued task. Only the scheduler
// touches it, always under its lock.
type entry struct {
	task     Task
	name     string
	period   int64 // milliseconds, 0 for one-shot
	next     int64 // epoch milliseconds
	state    State
	external bool // ownership taken back by a canceller
}

// Pending describes a queued task for inspection
type Pending struct {
	Name   string
	Next   time.Time
	Period time.Duration
	State  State
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithNotifier routes execution failures to n
func WithNotifier(n logging.Notifier) Option {
	return func(s *Scheduler) { s.notify = logging.OrNop(n) }
}

// WithClock replaces the epoch-millisecond clock
func WithClock(now func() int64) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithName labels the scheduler in notifications
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// Scheduler fires tasks at millisecond precision from one worker goroutine.
// Task bodies run serially and outside the queue lock, so a body may call
// back into the scheduler.
type Scheduler struct {
	mu      sync.Mutex
	queue   []*entry
	index   map[Task]*entry
	stopped bool

	wake chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	name   string
	now    func() int64
	notify logging.Notifier
}

// New creates a scheduler and starts its worker
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		index:  make(map[Task]*entry),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		name:   "scheduler",
		now:    func() int64 { return time.Now().UnixMilli() },
		notify: logging.Nop,
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	return s
}

// Schedule queues task to fire after delay and then every period
// (0 for a one-shot task). The scheduler owns the task from now on.
func (s *Scheduler) Schedule(task Task, delay, period time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate("schedule", task, period); err != nil {
		return err
	}
	s.insert(task, s.now()+delay.Milliseconds(), period)
	return nil
}

// ScheduleAtTime queues task to fire at the given absolute time. A time in
// the past fires immediately.
func (s *Scheduler) ScheduleAtTime(task Task, at time.Time, period time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate("schedule_at_time", task, period); err != nil {
		return err
	}
	s.insert(task, at.UnixMilli(), period)
	return nil
}

// Reschedule moves an already queued task to fire after delay with the new period
func (s *Scheduler) Reschedule(task Task, delay, period time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.NewSchedulerError("reschedule", task.Name(), errors.ErrSchedulerStopped)
	}
	if err := checkPeriod("reschedule", task.Name(), period); err != nil {
		return err
	}
	e, ok := s.index[task]
	if !ok {
		return errors.NewSchedulerError("reschedule", task.Name(), errors.ErrTaskNotFound)
	}

	s.remove(e)
	e.next = s.now() + delay.Milliseconds()
	e.period = period.Milliseconds()
	e.state = StateScheduled
	s.push(e)
	if s.queue[0] == e {
		s.signal()
	}
	return nil
}

// Cancel marks a queued task as cancelled and reports whether it was
// scheduled. The entry is dropped lazily by the worker. With takeOwnership
// the scheduler will not release the task.
func (s *Scheduler) Cancel(task Task, takeOwnership bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[task]
	if !ok || e.state != StateScheduled {
		return false
	}
	e.state = StateCancelled
	e.external = takeOwnership
	return true
}

// CancelByName cancels the first scheduled task with the given name
func (s *Scheduler) CancelByName(name string, takeOwnership bool) (bool, error) {
	if name == "" {
		return false, errors.NewSchedulerError("cancel", name, errors.ErrEmptyTaskName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.queue {
		if e.name == name && e.state == StateScheduled {
			e.state = StateCancelled
			e.external = takeOwnership
			return true, nil
		}
	}
	return false, nil
}

// Stop shuts the scheduler down: it waits for the worker to exit, then
// releases every queued task it still owns. It returns false if the
// scheduler was already stopped. Stop must not be called from a task body.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.signal()
	<-s.done

	s.mu.Lock()
	leftover := s.queue
	s.queue = nil
	s.index = make(map[Task]*entry)
	s.mu.Unlock()

	for _, e := range leftover {
		if !e.external {
			release(e.task)
		}
	}
	return true
}

// Done is closed once the worker has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Lookup returns the state of a queued task
func (s *Scheduler) Lookup(task Task) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[task]
	if !ok {
		return StateIdle, false
	}
	return e.state, true
}

// Len returns the number of queued entries, cancelled ones not yet dropped included
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Snapshot returns the queue in firing order
func (s *Scheduler) Snapshot() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Pending, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, Pending{
			Name:   e.name,
			Next:   time.UnixMilli(e.next),
			Period: time.Duration(e.period) * time.Millisecond,
			State:  e.state,
		})
	}
	return out
}

// validate applies the scheduling preconditions. Caller holds the lock.
func (s *Scheduler) validate(op string, task Task, period time.Duration) error {
	name := task.Name()
	if s.stopped {
		return errors.NewSchedulerError(op, name, errors.ErrSchedulerStopped)
	}
	if err := checkPeriod(op, name, period); err != nil {
		return err
	}
	if name != "" {
		for _, e := range s.queue {
			if e.name == name && e.state != StateCancelled {
				return errors.NewSchedulerError(op, name, errors.ErrDuplicateName)
			}
		}
	}
	if _, ok := s.index[task]; ok {
		return errors.NewSchedulerError(op, name, errors.ErrAlreadyScheduled)
	}
	return nil
}

// checkPeriod rejects periods the millisecond queue cannot represent
func checkPeriod(op, name string, period time.Duration) error {
	switch {
	case period < 0:
		return errors.NewSchedulerError(op, name, errors.ErrNegativePeriod)
	case period > 0 && period < time.Millisecond:
		return errors.NewSchedulerError(op, name, errors.ErrPeriodTooShort)
	}
	return nil
}

// insert creates the entry and queues it. Caller holds the lock.
func (s *Scheduler) insert(task Task, next int64, period time.Duration) {
	e := &entry{
		task:   task,
		name:   task.Name(),
		period: period.Milliseconds(),
		next:   next,
		state:  StateScheduled,
	}
	s.index[task] = e
	s.push(e)
	if s.queue[0] == e {
		s.signal()
	}
}

// push inserts e after every entry due at the same time or earlier, so
// equal due times keep insertion order.
func (s *Scheduler) push(e *entry) {
	i := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].next > e.next
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = e
}

// remove takes e out of the queue slice without touching the index
func (s *Scheduler) remove(e *entry) {
	for i, q := range s.queue {
		if q == e {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// popFront drops the head entry. Caller holds the lock.
func (s *Scheduler) popFront() *entry {
	e := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return e
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}

		head := s.queue[0]
		if head.state == StateCancelled {
			s.popFront()
			delete(s.index, head.task)
			s.mu.Unlock()
			if !head.external {
				release(head.task)
			}
			continue
		}

		now := s.now()
		if head.next <= now {
			s.popFront()
			if head.period == 0 {
				head.state = StateExecuted
				delete(s.index, head.task)
			} else {
				head.next += head.period
				s.push(head)
			}
			s.mu.Unlock()

			s.execute(head)
			continue
		}

		wait := time.Duration(head.next-now) * time.Millisecond
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// execute runs the task body outside the lock and applies its Result
func (s *Scheduler) execute(e *entry) {
	res, err := s.invoke(e.task)
	if err != nil {
		msg := fmt.Sprintf("%s: %v", s.name, err)
		s.notify.Error(msg)
		s.notify.Debug(msg)
		res = Stop()
	}

	next, delay, hasNext := res.Next()

	if e.period > 0 {
		if res.Stopped() {
			s.Cancel(e.task, false)
		}
	} else if next != e.task {
		release(e.task)
	}

	if !hasNext || res.Stopped() {
		return
	}
	if err := s.Schedule(next, delay, 0); err != nil {
		if errors.Is(err, errors.ErrSchedulerStopped) {
			s.notify.Debug(fmt.Sprintf("%s: successor %q dropped at shutdown", s.name, next.Name()))
		} else {
			s.notify.Error(fmt.Sprintf("%s: failed to schedule successor: %v", s.name, err))
		}
		release(next)
	}
}

// invoke calls Run, turning a panic into an error so that one failing task
// cannot take the worker down.
func (s *Scheduler) invoke(task Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notify.Debug(fmt.Sprintf("%s: task %q stack: %s", s.name, task.Name(), debug.Stack()))
			err = &errors.TaskPanicError{Task: task.Name(), Value: r}
		}
	}()
	return task.Run(s.ctx), nil
}

func release(task Task) {
	if r, ok := task.(Releaser); ok {
		r.Release()
	}
}
