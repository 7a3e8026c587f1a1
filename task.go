package goco

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/rs/xid"
)

// TaskFunc is the body of a Task. It runs on the task's own goroutine but
// only while its TaskScheduler has handed control to it.
type TaskFunc func(t *Task)

// TaskState of a Task
type TaskState uint32

const (
	TaskCreated TaskState = iota
	TaskRunning
	TaskSuspended
	TaskDone
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskDone:
		return "done"
	}
	return "unknown"
}

// Task is a suspendable unit of work. The body runs on a dedicated
// goroutine that acts as its continuation: Resume hands control to it and
// blocks until the body suspends or returns, so the scheduler and the task
// never run at the same time.
type Task struct {
	noCopy

	id    xid.ID
	fn    TaskFunc
	sched *TaskScheduler

	state    atomic.Uint32
	resumeCh chan bool // false: unwind
	yieldCh  chan struct{}

	// what the task is suspended on, written by the task before it yields
	pendingEv     *Event
	pendingEngine *EventEngine
	pendingTimer  *Timer

	exitFns []func()

	resumes  atomic.Uint64
	suspends atomic.Uint64
	panicV   any
}

func newTask(s *TaskScheduler, fn TaskFunc) *Task {
	return &Task{
		id:       xid.New(),
		fn:       fn,
		sched:    s,
		resumeCh: make(chan bool),
		yieldCh:  make(chan struct{}),
	}
}

func (t *Task) ID() xid.ID                { return t.id }
func (t *Task) State() TaskState          { return TaskState(t.state.Load()) }
func (t *Task) IsDone() bool              { return t.State() == TaskDone }
func (t *Task) Scheduler() *TaskScheduler { return t.sched }

// Runtime the task belongs to, nil for a standalone scheduler
func (t *Task) Runtime() *Runtime { return t.sched.rt }

// Resumes is the number of times the scheduler handed control to the task
func (t *Task) Resumes() uint64 { return t.resumes.Load() }

// Suspends is the number of times the task gave control back while waiting
func (t *Task) Suspends() uint64 { return t.suspends.Load() }

// Panic returns the value the body panicked with, nil otherwise
func (t *Task) Panic() any { return t.panicV }

// Defer registers fn to run when the task exits, normally or because it
// was destroyed. Exit callbacks run in LIFO order on the task goroutine.
func (t *Task) Defer(fn func()) {
	if fn != nil {
		t.exitFns = append(t.exitFns, fn)
	}
}

// Resume is only called by the owning TaskScheduler goroutine. A resume
// of a running or finished task is ignored.
func (t *Task) Resume() {
	switch t.State() {
	case TaskCreated:
		t.state.Store(uint32(TaskRunning))
		go t.run()
	case TaskSuspended:
		t.state.Store(uint32(TaskRunning))
		t.resumeCh <- true
	default:
		return
	}
	t.resumes.Add(1)
	t.sched.metrics.taskResumed(t.sched.id)
	<-t.yieldCh
}

func (t *Task) run() {
	defer func() {
		if r := recover(); r != nil {
			t.panicV = r
			t.sched.metrics.taskPanicked(t.sched.id)
			t.sched.log.Error("task %s panic: %v\n%s", t.id, r, debug.Stack())
		}
		t.runExitFns()
		t.state.Store(uint32(TaskDone))
		t.yieldCh <- struct{}{}
	}()
	t.fn(t)
}

func (t *Task) runExitFns() {
	for i := len(t.exitFns) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.sched.log.Error("task %s exit callback panic: %v", t.id, r)
				}
			}()
			t.exitFns[i]()
		}()
	}
	t.exitFns = nil
}

// suspend gives control back to the scheduler until the next Resume.
// Called on the task goroutine only.
func (t *Task) suspend() {
	t.suspends.Add(1)
	t.sched.metrics.taskSuspended(t.sched.id)
	t.state.Store(uint32(TaskSuspended))
	t.yieldCh <- struct{}{}
	ok := <-t.resumeCh
	t.pendingEv, t.pendingEngine, t.pendingTimer = nil, nil, nil
	if !ok {
		runtime.Goexit() // runs the deferred exit path of run()
	}
}

// suspendOn records the Event armed for this suspension so that a forced
// teardown can unregister it.
func (t *Task) suspendOn(ev *Event, e *EventEngine, tm *Timer) {
	t.pendingEv, t.pendingEngine, t.pendingTimer = ev, e, tm
	t.suspend()
}

// teardown is the Destroy action, run by the scheduler goroutine.
// A suspended task first drops its pending Event and timer, then unwinds.
func (t *Task) teardown() {
	switch t.State() {
	case TaskCreated:
		t.state.Store(uint32(TaskDone))
		t.runExitFns()
	case TaskSuspended:
		if t.pendingEv != nil {
			if err := t.pendingEv.cancelWait(t.pendingEngine); err != nil {
				t.sched.log.Warn("task %s teardown unregister %s fd=%d: %s",
					t.id, t.pendingEv.name(), t.pendingEv.handle, err.Error())
			}
		}
		if t.pendingTimer != nil {
			t.pendingTimer.Cancel()
		}
		t.state.Store(uint32(TaskRunning))
		t.resumeCh <- false
		<-t.yieldCh
	}
}
