package goco

import (
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// Sleep suspends t for d on a timer of its Runtime
func Sleep(t *Task, d time.Duration) error {
	rt := t.Runtime()
	if rt == nil {
		return ErrInvalidParams
	}
	w := CallbackAction(func(aw *Awaiter[IOResult]) SuspendDecision {
		if d <= 0 {
			aw.SetResult(IOResult{}, nil)
			return NoSuspend
		}
		tm, err := rt.ScheduleTimer(d, 1, func(weak.Pointer[TimeEvent], *Timer) {
			aw.complete(IOResult{}, nil)
		})
		if err != nil {
			aw.SetResult(IOResult{Err: err}, err)
			return NoSuspend
		}
		t.pendingTimer = tm
		return Suspend
	})
	_, err := w.Await(t)
	return err
}

// WaitGroup joins N sub-tasks. Wait suspends the calling Task until the
// counter drops to zero; Add and Done are safe from any goroutine.
type WaitGroup struct {
	noCopy

	mtx     sync.Mutex
	n       int
	waiters []*Awaiter[IOResult]
}

func (wg *WaitGroup) Add(delta int) {
	wg.mtx.Lock()
	wg.n += delta
	if wg.n < 0 {
		wg.mtx.Unlock()
		panic("goco: negative WaitGroup counter")
	}
	var ready []*Awaiter[IOResult]
	if wg.n == 0 {
		ready, wg.waiters = wg.waiters, nil
	}
	wg.mtx.Unlock()
	for _, aw := range ready {
		aw.complete(IOResult{}, nil)
	}
}

func (wg *WaitGroup) Done() { wg.Add(-1) }

// Count is the current counter
func (wg *WaitGroup) Count() int {
	wg.mtx.Lock()
	defer wg.mtx.Unlock()
	return wg.n
}

func (wg *WaitGroup) Wait(t *Task) error {
	w := CallbackAction(func(aw *Awaiter[IOResult]) SuspendDecision {
		wg.mtx.Lock()
		defer wg.mtx.Unlock()
		if wg.n == 0 {
			aw.SetResult(IOResult{}, nil)
			return NoSuspend
		}
		wg.waiters = append(wg.waiters, aw)
		return Suspend
	})
	_, err := w.Await(t)
	return err
}

// idleMinRemain: an idle check closer than this to the deadline fires now
const idleMinRemain = 10 * time.Millisecond

// IdleGuard calls onIdle once no Touch happened for timeout. Typical use is
// destroying a connection task that went quiet.
type IdleGuard struct {
	noCopy

	rt         *Runtime
	timeout    time.Duration
	lastActive atomic.Int64
	onIdle     func()

	mtx     sync.Mutex
	timer   *Timer
	stopped bool
}

// NewIdleGuard starts watching right away
func NewIdleGuard(rt *Runtime, timeout time.Duration, onIdle func()) (*IdleGuard, error) {
	if timeout <= 0 || onIdle == nil {
		return nil, ErrInvalidParams
	}
	g := &IdleGuard{rt: rt, timeout: timeout, onIdle: onIdle}
	g.lastActive.Store(monotonicNow())
	tm, err := rt.ScheduleTimer(timeout, 1, g.check)
	if err != nil {
		return nil, err
	}
	g.timer = tm
	return g, nil
}

// Touch marks activity, pushing the idle deadline back
func (g *IdleGuard) Touch() {
	g.lastActive.Store(monotonicNow())
}

// Stop cancels the guard. Idempotent.
func (g *IdleGuard) Stop() {
	g.mtx.Lock()
	g.stopped = true
	tm := g.timer
	g.mtx.Unlock()
	if tm != nil {
		tm.Cancel()
	}
}

func (g *IdleGuard) check(wp weak.Pointer[TimeEvent], _ *Timer) {
	remain := g.timeout - time.Duration(monotonicNow()-g.lastActive.Load())
	if remain < idleMinRemain {
		g.mtx.Lock()
		fire := !g.stopped
		g.stopped = true
		g.mtx.Unlock()
		if fire {
			g.onIdle()
		}
		return
	}
	te := wp.Value()
	if te == nil {
		return
	}
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.stopped {
		return
	}
	if tm, err := te.Schedule(remain, 1, g.check); err == nil {
		g.timer = tm
	}
}
