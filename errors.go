package goco

import (
	"errors"
	"strconv"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is never returned to a Task. It only travels between
	// an Event attempt and its WaitAction/handler.
	ErrWouldBlock = errors.New("operation would block")

	// ErrRegistrationConflict means a handle or Event is registered twice,
	// which is a lifetime bug in the caller.
	ErrRegistrationConflict = errors.New("event registration conflict")

	ErrNotRegistered    = errors.New("event not registered with this engine")
	ErrNotPollable      = errors.New("handle does not support readiness polling")
	ErrTimeout          = errors.New("operation timeout")
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrRuntimeStopped   = errors.New("runtime stopped")
	ErrInvalidParams    = errors.New("invalid params")
	ErrTLSFailed        = errors.New("tls session failed")
	ErrConnClosed       = errors.New("connection closed")
)

// IOError is a hard failure of one non-blocking operation. It is delivered
// exactly once through the Awaiter of the Task that issued the operation.
type IOError struct {
	Op     string
	Handle int
	Err    error
}

func (e *IOError) Error() string {
	return e.Op + " fd=" + strconv.Itoa(e.Handle) + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// EngineError is a failure of the reactor wait itself. It stops the shard
// that produced it and is only visible at EventScheduler/Runtime level.
type EngineError struct {
	Shard int
	Err   error
}

func (e *EngineError) Error() string {
	return "engine#" + strconv.Itoa(e.Shard) + " wait: " + e.Err.Error()
}

func (e *EngineError) Unwrap() error { return e.Err }

type errClass uint8

const (
	classOK errClass = iota
	classWouldBlock
	classTransient
	classHard
)

func classify(err error) errClass {
	switch {
	case err == nil:
		return classOK
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY):
		return classWouldBlock
	case errors.Is(err, unix.EINTR):
		return classTransient
	}
	return classHard
}

func ioErr(op string, fd int, err error) error {
	return &IOError{Op: op, Handle: fd, Err: err}
}
