package goco

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sys/unix"
)

// TimeEvent is the timer subsystem of one shard: a timerfd registered as a
// Timer event plus a 4-ary heap. The timerfd always targets the earliest
// deadline in the heap, or is disarmed when the heap is empty.
type TimeEvent struct {
	noCopy

	tfd    int
	ev     *Event
	engine *EventEngine

	mu      sync.RWMutex
	heap    timer4Heap
	armedAt int64 // deadline the timerfd is programmed for, 0 = disarmed

	seq    atomic.Uint64
	closed atomic.Bool
}

func newTimeEvent(e *EventEngine, initCap int) (*TimeEvent, error) {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		if err == unix.ENOSYS {
			return nil, errors.New("timerfd_create system call not implemented")
		}
		return nil, errors.New("timerfd_create: " + err.Error())
	}
	te := &TimeEvent{
		tfd:    tfd,
		engine: e,
		heap:   newTimer4Heap(initCap),
	}
	te.ev = newEvent(KindTimer, tfd, DirTimer)
	te.ev.te = te
	if err = e.Register(te.ev); err != nil {
		unix.Close(tfd)
		return nil, errors.New("timer register fail! " + err.Error())
	}
	return te, nil
}

// Schedule adds a timer firing first after delay, then every delay until
// repeat fires happened (RepeatForever: until cancelled).
func (te *TimeEvent) Schedule(delay time.Duration, repeat int, fn TimerFunc) (*Timer, error) {
	if delay < 0 || fn == nil || repeat == 0 || repeat < RepeatForever {
		return nil, ErrInvalidParams
	}
	if repeat != 1 && delay == 0 {
		return nil, errors.New("repeating timer needs a positive period")
	}
	if te.closed.Load() {
		return nil, ErrRuntimeStopped
	}
	now := monotonicNow()
	t := &Timer{seq: te.seq.Add(1), fn: fn, te: te, index: -1}
	t.deadline.Store(deadlineAfter(now, delay))
	t.timeout.Store(int64(delay))
	t.repeat.Store(int64(repeat))

	te.mu.Lock()
	te.heap.push(t)
	te.adjustLocked(now, false)
	n := te.heap.size()
	te.mu.Unlock()
	te.engine.metrics.timersPending(te.engine.id, n)
	return t, nil
}

// Earliest returns the nearest deadline on the runtime clock
func (te *TimeEvent) Earliest() (time.Duration, bool) {
	te.mu.RLock()
	defer te.mu.RUnlock()
	t := te.heap.top()
	if t == nil {
		return 0, false
	}
	return time.Duration(t.deadline.Load()), true
}

// Len is the number of timers waiting in the heap
func (te *TimeEvent) Len() int {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.heap.size()
}

// adjustLocked reprograms the timerfd if the earliest deadline decreased,
// or unconditionally after a fire pass. Caller holds te.mu.
func (te *TimeEvent) adjustLocked(now int64, force bool) {
	t := te.heap.top()
	if t == nil {
		if te.armedAt != 0 || force {
			te.settime(0)
			te.armedAt = 0
		}
		return
	}
	d := t.deadline.Load()
	if !force && te.armedAt != 0 && d >= te.armedAt {
		return
	}
	delay := d - now
	if delay < 1 {
		delay = 1 // a zero it_value disarms
	}
	te.settime(delay)
	te.armedAt = d
}

func (te *TimeEvent) settime(delay int64) {
	timeSpec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(delay),
	}
	unix.TimerfdSettime(te.tfd, 0 /*Relative time*/, &timeSpec, nil)
}

func (te *TimeEvent) onReady() {
	var tmp [8]byte
	for {
		_, err := unix.Read(te.tfd, tmp[:])
		if err == unix.EINTR {
			continue
		}
		break
	}
	now := monotonicNow()
	te.fire(te.popDue(now), now)
}

// popDue pops every timer due at now in (deadline, seq) order.
// Cancelled ones are dropped here; those returned will fire.
func (te *TimeEvent) popDue(now int64) []*Timer {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.armedAt = 0
	var due []*Timer
	for t := te.heap.popDue(now); t != nil; t = te.heap.popDue(now) {
		if t.cancelled.Load() || t.repeat.Load() == 0 {
			continue
		}
		due = append(due, t)
	}
	return due
}

func (te *TimeEvent) fire(due []*Timer, now int64) {
	wp := weak.Make(te)
	for _, t := range due {
		if t.repeat.Load() > 0 {
			t.repeat.Add(-1)
		}
		te.invoke(wp, t)
		t.success.Store(true)
		te.engine.metrics.timerFired(te.engine.id)

		if t.repeat.Load() != 0 && !t.cancelled.Load() {
			te.mu.Lock()
			if t.index < 0 { // not Reset by its own callback
				t.deadline.Store(deadlineAfter(now, time.Duration(t.timeout.Load())))
				te.heap.push(t)
			}
			te.mu.Unlock()
		}
	}
	te.mu.Lock()
	te.adjustLocked(monotonicNow(), true)
	n := te.heap.size()
	te.mu.Unlock()
	te.engine.metrics.timersPending(te.engine.id, n)
}

func (te *TimeEvent) invoke(wp weak.Pointer[TimeEvent], t *Timer) {
	defer func() {
		if r := recover(); r != nil {
			te.engine.log.Error("engine#%d timer seq=%d callback panic: %v\n%s",
				te.engine.id, t.seq, r, debug.Stack())
		}
	}()
	t.fn(wp, t)
}

func (te *TimeEvent) remove(t *Timer) {
	te.mu.Lock()
	if t.index >= 0 {
		te.heap.removeAt(t.index)
	}
	te.mu.Unlock()
}

func (te *TimeEvent) reschedule(t *Timer, deadline int64) bool {
	if te.closed.Load() {
		return false
	}
	te.mu.Lock()
	t.deadline.Store(deadline)
	if t.index >= 0 {
		te.heap.fix(t.index)
	} else {
		te.heap.push(t)
	}
	te.adjustLocked(monotonicNow(), t.index == 0)
	te.mu.Unlock()
	return true
}

func (te *TimeEvent) close() {
	if !te.closed.CompareAndSwap(false, true) {
		return
	}
	te.engine.Unregister(te.ev)
	unix.Close(te.tfd)
	te.mu.Lock()
	for _, t := range te.heap.fheap {
		t.index = -1
	}
	te.heap.fheap = te.heap.fheap[:0]
	te.armedAt = 0
	te.mu.Unlock()
}
