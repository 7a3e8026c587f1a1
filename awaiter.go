package goco

import (
	"sync/atomic"
)

// Awaiter is a one-shot result slot shared by a suspending Task and whoever
// completes the wait. Only the first SetResult is kept, so an I/O
// completion and a timeout timer can race on the same Awaiter and exactly
// one of them resumes the Task.
type Awaiter[T any] struct {
	noCopy

	task  *Task
	claim atomic.Bool
	done  atomic.Bool

	// set by WaitAction when the result was produced without suspending
	immediate bool

	v   T
	err error
}

// NewAwaiter creates the slot t will wait on
func NewAwaiter[T any](t *Task) *Awaiter[T] {
	return &Awaiter[T]{task: t}
}

// SetResult stores (v, err) if nobody did before and reports whether it won
func (aw *Awaiter[T]) SetResult(v T, err error) bool {
	if !aw.claim.CompareAndSwap(false, true) {
		return false
	}
	aw.v, aw.err = v, err
	aw.done.Store(true)
	return true
}

func (aw *Awaiter[T]) claimed() bool { return aw.claim.Load() }

// Ready reports whether the result was written
func (aw *Awaiter[T]) Ready() bool { return aw.done.Load() }

// IsImmediatelyReady is true when the wait completed without suspension
func (aw *Awaiter[T]) IsImmediatelyReady() bool { return aw.immediate }

func (aw *Awaiter[T]) setImmediate() { aw.immediate = true }

// Task returns the task that waits on the slot
func (aw *Awaiter[T]) Task() *Task { return aw.task }

// Result panics if the slot was never written: a Task resumed without a
// result is a scheduler bug, not a runtime condition.
func (aw *Awaiter[T]) Result() (T, error) {
	if !aw.done.Load() {
		panic("goco: Awaiter result read before it was written")
	}
	return aw.v, aw.err
}

// Await suspends t only if d is Suspend, then returns the slot content
func Await[T any](t *Task, d SuspendDecision, aw *Awaiter[T]) (T, error) {
	if d == Suspend {
		t.suspend()
	}
	return aw.Result()
}

// complete writes the result and, if it won, queues the resumption of
// the waiting Task on its own scheduler.
func (aw *Awaiter[T]) complete(v T, err error) bool {
	if !aw.SetResult(v, err) {
		return false
	}
	if aw.task != nil {
		aw.task.sched.Resume(aw.task)
	}
	return true
}
