package goco

import (
	"sync/atomic"
	"time"
	"weak"
)

// RepeatForever keeps a Timer firing until it is cancelled
const RepeatForever = -1

// TimerFunc runs on the engine goroutine of the shard that owns the timer.
// te is weak so a callback that outlives its shard sees a nil TimeEvent
// instead of keeping a closed engine alive.
type TimerFunc func(te weak.Pointer[TimeEvent], t *Timer)

// Timer is one deadline in a shard heap, ordered by (deadline, seq)
type Timer struct {
	noCopy

	seq      uint64
	deadline atomic.Int64 // runtime clock, ns
	timeout  atomic.Int64 // ns, reused as the period of a repeating timer
	repeat   atomic.Int64 // remaining fires, RepeatForever

	cancelled atomic.Bool
	success   atomic.Bool

	fn TimerFunc
	te *TimeEvent

	// heap position, -1 when not in the heap. Guarded by te.mu
	index int

	// UserData is opaque to the runtime
	UserData any
}

// Cancel is cooperative: a Timer cancelled before its fire pass pops it
// never fires. Once popped, the current invocation still happens.
func (t *Timer) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	if t.te != nil {
		t.te.remove(t)
	}
}

// Cancelled reports whether Cancel was called
func (t *Timer) Cancelled() bool { return t.cancelled.Load() }

// IsSuccess reports whether the callback ran at least once
func (t *Timer) IsSuccess() bool { return t.success.Load() }

// Deadline on the runtime clock
func (t *Timer) Deadline() time.Duration { return time.Duration(t.deadline.Load()) }

// Remaining returns the time left before the next fire, 0 if due
func (t *Timer) Remaining() time.Duration {
	d := t.deadline.Load() - monotonicNow()
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Repeat returns the fires still to come, RepeatForever for an endless timer
func (t *Timer) Repeat() int { return int(t.repeat.Load()) }

// Reset moves the deadline to now+timeout and makes timeout the new period.
// It returns false if the timer is cancelled or exhausted.
func (t *Timer) Reset(timeout time.Duration) bool {
	if timeout < 0 || t.cancelled.Load() || t.repeat.Load() == 0 || t.te == nil {
		return false
	}
	t.timeout.Store(int64(timeout))
	return t.te.reschedule(t, deadlineAfter(monotonicNow(), timeout))
}

func (t *Timer) less(o *Timer) bool {
	d1, d2 := t.deadline.Load(), o.deadline.Load()
	if d1 != d2 {
		return d1 < d2
	}
	return t.seq < o.seq
}
