package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	field := "test_field"
	value := "test_value"
	reason := "invalid format"

	err := NewValidationError(field, value, reason)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), field)
	assert.Contains(t, err.Error(), value)
	assert.Contains(t, err.Error(), reason)
	assert.Contains(t, err.Error(), "validation error")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestNetworkError(t *testing.T) {
	operation := "connect"
	address := "localhost:8000"
	cause := errors.New("connection refused")

	err := NewNetworkError(operation, address, cause)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), operation)
	assert.Contains(t, err.Error(), address)
	assert.Contains(t, err.Error(), cause.Error())
	assert.Contains(t, err.Error(), "network error")
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.True(t, errors.Is(err, cause))
}

func TestFileSystemError(t *testing.T) {
	operation := "read"
	path := "/test/file.txt"
	cause := errors.New("file not found")

	err := NewFileSystemError(operation, path, cause)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), operation)
	assert.Contains(t, err.Error(), path)
	assert.Contains(t, err.Error(), cause.Error())
	assert.Contains(t, err.Error(), "file system error")
}

func TestProtocolError(t *testing.T) {
	tests := []struct {
		name    string
		cause   error
		message string
	}{
		{name: "garbled", cause: ErrGarbledMessage, message: "finish tag is not found"},
		{name: "zero", cause: ErrZeroMessage, message: "buffer size is 0"},
		{name: "no cause", cause: nil, message: "unexpected tag"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewProtocolError("parse", tt.message, tt.cause)

			assert.Contains(t, err.Error(), "protocol error")
			assert.Contains(t, err.Error(), tt.message)
			assert.True(t, errors.Is(err, ErrProtocol))
			if tt.cause != nil {
				assert.True(t, errors.Is(err, tt.cause))
			}
		})
	}
}

func TestSchedulerError(t *testing.T) {
	err := NewSchedulerError("schedule", "sendtask-7", ErrDuplicateName)

	assert.Contains(t, err.Error(), "sendtask-7")
	assert.Contains(t, err.Error(), "schedule")
	assert.True(t, errors.Is(err, ErrScheduler))
	assert.True(t, errors.Is(err, ErrDuplicateName))
	assert.False(t, errors.Is(err, ErrAlreadyScheduled))
}

func TestTaskPanicError(t *testing.T) {
	var err error = &TaskPanicError{Task: "recvtask-3", Value: "boom"}

	assert.Contains(t, err.Error(), "recvtask-3")
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, errors.Is(err, ErrTaskPanic))
}

func TestIsWouldBlock(t *testing.T) {
	assert.True(t, IsWouldBlock(ErrWouldBlock))
	assert.True(t, IsWouldBlock(NewNetworkError("send", "peer", ErrWouldBlock)))
	assert.False(t, IsWouldBlock(ErrConnectionClosed))
	assert.False(t, IsWouldBlock(nil))
}
