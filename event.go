package goco

import (
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Detecting illegal struct copies using `go vet`
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Direction is the readiness an Event waits for
type Direction uint32

const (
	DirNone  Direction = 0
	DirRead  Direction = 1 << 0
	DirWrite Direction = 1 << 1
	DirError Direction = 1 << 2
	DirTimer Direction = 1 << 3
)

func (d Direction) String() string {
	if d == DirNone {
		return "none"
	}
	s := ""
	add := func(n string) {
		if s != "" {
			s += "|"
		}
		s += n
	}
	if d&DirRead != 0 {
		add("read")
	}
	if d&DirWrite != 0 {
		add("write")
	}
	if d&DirError != 0 {
		add("error")
	}
	if d&DirTimer != 0 {
		add("timer")
	}
	return s
}

// EventKind tags the variant carried by an Event
type EventKind uint8

const (
	KindCallback EventKind = iota
	KindTimer
	KindListen
	KindNet
	KindFile
)

func (k EventKind) String() string {
	switch k {
	case KindCallback:
		return "callback"
	case KindTimer:
		return "timer"
	case KindListen:
		return "listen"
	case KindNet:
		return "net"
	case KindFile:
		return "file"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// EventState follows Unregistered → Registered → Completed|Failed → Unregistered
type EventState uint32

const (
	StateUnregistered EventState = iota
	StateRegistered
	StateCompleted
	StateFailed
)

// IOResult is the value delivered to a Task for a net or file operation.
// N is the byte count, or the accepted fd for accept.
type IOResult struct {
	N    int
	Addr unix.Sockaddr
	Err  error
}

// Event is the unit registered with an EventEngine. It is a closed tagged
// union: kind selects which of the variant fields is meaningful, and
// HandleEvent/attempt switch over every kind.
type Event struct {
	noCopy

	kind   EventKind
	handle int
	dir    Direction

	owner atomic.Int32 // shard id, -1 when unregistered
	gen   atomic.Uint32
	state atomic.Uint32

	// mu serializes an attempt of the variant syscall between the task side
	// (WaitAction) and the engine side (completion handler).
	mu sync.Mutex

	// bound by WaitAction while a Task is suspended on this Event
	task *Task
	aw   *Awaiter[IOResult]

	callback func(ev *Event, e *EventEngine)
	te       *TimeEvent
	ln       *listenState
	net      netState
	file     fileState
}

func newEvent(kind EventKind, handle int, dir Direction) *Event {
	ev := &Event{kind: kind, handle: handle, dir: dir}
	ev.owner.Store(-1)
	return ev
}

// NewCallbackEvent wraps a readable handle with a plain callback.
// The callback runs on the engine goroutine each time handle is readable.
func NewCallbackEvent(handle int, fn func(ev *Event, e *EventEngine)) *Event {
	ev := newEvent(KindCallback, handle, DirRead)
	ev.callback = fn
	return ev
}

func (ev *Event) Kind() EventKind      { return ev.kind }
func (ev *Event) Handle() int          { return ev.handle }
func (ev *Event) Direction() Direction { return ev.dir }
func (ev *Event) State() EventState    { return EventState(ev.state.Load()) }

// Owner returns the shard id of the engine this Event is registered with, -1 if none
func (ev *Event) Owner() int { return int(ev.owner.Load()) }

// Registered reports whether any engine currently owns the Event
func (ev *Event) Registered() bool { return ev.owner.Load() >= 0 }

func (ev *Event) name() string {
	switch ev.kind {
	case KindNet:
		return ev.net.proto.String() + "." + ev.net.op.String()
	case KindFile:
		return "file." + ev.file.op.String()
	}
	return ev.kind.String()
}

func (ev *Event) epollEvents() uint32 {
	var events uint32
	if ev.dir&(DirRead|DirTimer) != 0 {
		events |= unix.EPOLLIN
	}
	if ev.dir&DirWrite != 0 {
		events |= unix.EPOLLOUT
	}
	switch ev.kind {
	case KindNet, KindFile:
		events |= unix.EPOLLONESHOT | unix.EPOLLRDHUP
	}
	return events
}

// HandleEvent is called by the engine that owns ev, on the engine goroutine,
// once the handle reports ready.
func (ev *Event) HandleEvent(e *EventEngine, ready Direction, gen uint32) {
	switch ev.kind {
	case KindCallback:
		ev.callback(ev, e)
	case KindTimer:
		ev.te.onReady()
	case KindListen:
		ev.ln.onReady(e)
	case KindNet, KindFile:
		ev.complete(e, gen)
	default:
		panic("goco: HandleEvent unknown kind " + ev.kind.String())
	}
}

// attempt performs the variant syscall once. EINTR is retried in place.
// wouldBlock reports that the Event must be (re)armed.
func (ev *Event) attempt() (res IOResult, wouldBlock bool) {
	switch ev.kind {
	case KindNet:
		return ev.attemptNet()
	case KindFile:
		return ev.attemptFile()
	case KindCallback, KindTimer, KindListen:
		panic("goco: attempt on " + ev.kind.String() + " event")
	}
	panic("goco: attempt unknown kind " + ev.kind.String())
}

// bind ties the suspending task to ev. Caller holds ev.mu.
func (ev *Event) bind(t *Task, aw *Awaiter[IOResult]) {
	ev.task, ev.aw = t, aw
}

// complete is the completion handler for net and file waits: retry once,
// re-arm on would-block, otherwise unregister and hand the result to the
// waiting task through its scheduler.
func (ev *Event) complete(e *EventEngine, gen uint32) {
	ev.mu.Lock()
	if ev.owner.Load() != int32(e.id) || ev.gen.Load() != gen || ev.aw == nil {
		ev.mu.Unlock() // raced with an explicit unregister
		return
	}
	if ev.aw.claimed() { // a timer already won the race
		ev.mu.Unlock()
		return
	}
	res, wouldBlock := ev.attempt()
	if wouldBlock {
		err := e.Modify(ev)
		if err == nil {
			ev.mu.Unlock()
			return
		}
		res = IOResult{Err: err}
	}
	if err := e.Unregister(ev); err != nil {
		e.log.Warn("engine#%d completion unregister %s fd=%d: %s", e.id, ev.name(), ev.handle, err.Error())
	}
	if res.Err != nil {
		ev.state.Store(uint32(StateFailed))
	} else {
		ev.state.Store(uint32(StateCompleted))
	}
	t, aw := ev.task, ev.aw
	ev.task, ev.aw = nil, nil
	ev.mu.Unlock()

	if aw.SetResult(res, res.Err) && t != nil {
		t.sched.Resume(t)
	}
}

// cancelWait drops the pending wait: the Event is unregistered and any
// in-flight completion for it is discarded.
func (ev *Event) cancelWait(e *EventEngine) error {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.task, ev.aw = nil, nil
	if e == nil {
		return nil
	}
	return e.Unregister(ev)
}
