package errors

import (
	"errors"
	"fmt"
)

// Error types for different categories of failures
var (
	ErrNetwork    = errors.New("network error")
	ErrFileSystem = errors.New("file system error")
	ErrProtocol   = errors.New("protocol error")
	ErrValidation = errors.New("validation error")
	ErrScheduler  = errors.New("scheduler error")
	ErrTaskPanic  = errors.New("task panicked")
)

// Scheduling failures reported synchronously by the scheduler API
var (
	ErrSchedulerStopped = errors.New("scheduler was stopped")
	ErrDuplicateName    = errors.New("a task with this name has been already scheduled")
	ErrAlreadyScheduled = errors.New("the task was already scheduled")
	ErrTaskNotFound     = errors.New("the task cannot be found")
	ErrEmptyTaskName    = errors.New("task name cannot be empty")
	ErrNegativePeriod   = errors.New("period cannot be negative")
	ErrPeriodTooShort   = errors.New("period is below the 1ms resolution")
)

// Wire and connection conditions
var (
	// ErrWouldBlock is not a failure: the operation could not complete
	// immediately and must be retried by a later task.
	ErrWouldBlock = errors.New("operation would block")

	// ErrPartialHeader means the transfer header is not yet complete in the
	// accumulated bytes. The caller keeps the bytes and retries.
	ErrPartialHeader = errors.New("partial header")

	ErrGarbledMessage   = errors.New("garbled message")
	ErrZeroMessage      = errors.New("zero message")
	ErrSizeMismatch     = errors.New("declared size mismatch")
	ErrConnectionClosed = errors.New("connection is closed")
)

// NetworkError represents network-related errors
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s to %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// FileSystemError represents file system-related errors
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("file system error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error {
	return e.Err
}

func (e *FileSystemError) Is(target error) bool {
	return target == ErrFileSystem
}

// ProtocolError represents protocol-related errors
type ProtocolError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error during %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// ValidationError represents validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s='%v': %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// SchedulerError is returned by the scheduler API when a request is refused
type SchedulerError struct {
	Op   string
	Task string
	Err  error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler error during %s(task %q): %v", e.Op, e.Task, e.Err)
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

func (e *SchedulerError) Is(target error) bool {
	return target == ErrScheduler
}

// TaskPanicError carries a panic recovered at the task execution boundary
type TaskPanicError struct {
	Task  string
	Value interface{}
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("task %q panicked: %v", e.Task, e.Value)
}

func (e *TaskPanicError) Is(target error) bool {
	return target == ErrTaskPanic
}

// Helper functions for creating errors

func NewNetworkError(op, addr string, err error) error {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

func NewFileSystemError(op, path string, err error) error {
	return &FileSystemError{Op: op, Path: path, Err: err}
}

func NewProtocolError(op, message string, err error) error {
	return &ProtocolError{Op: op, Message: message, Err: err}
}

func NewValidationError(field string, value interface{}, message string) error {
	return &ValidationError{Field: field, Value: value, Message: message}
}

func NewSchedulerError(op, task string, err error) error {
	return &SchedulerError{Op: op, Task: task, Err: err}
}

// IsWouldBlock reports whether err is the transient would-block signal
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// Is, As and New mirror the standard library helpers.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func New(text string) error {
	return errors.New(text)
}
