package goco

import (
	"errors"
	"math"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// EventEngine is one reactor shard: an epoll instance plus the table of the
// Events registered with it. Register/Modify/Unregister are safe from any
// goroutine; WaitAndDispatch must only be called by the shard's EventScheduler.
type EventEngine struct {
	noCopy

	id     int
	shards int // shard count of the owning Runtime, 0 when standalone
	efd    int // epoll fd

	events []unix.EpollEvent // NOT make(x, len, cap)
	table  *eventTable
	genSeq atomic.Uint32

	wakeup *Notify
	timers *TimeEvent
	closed atomic.Bool

	log     *Log
	metrics *Metrics
}

func newEventEngine(id int, opts *Options, log *Log, metrics *Metrics) (*EventEngine, error) {
	if opts.evReadyNum < 1 {
		return nil, errors.New("EvReadyNum < 1")
	}
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.New("syscall epoll_create1: " + err.Error())
	}
	e := &EventEngine{
		id:      id,
		efd:     efd,
		events:  make([]unix.EpollEvent, opts.evReadyNum),
		table:   newEventTable(opts.evDataArrSize),
		log:     log,
		metrics: metrics,
	}
	if e.wakeup, err = NewNotify(e, nil); err != nil {
		unix.Close(efd)
		return nil, err
	}
	if e.timers, err = newTimeEvent(e, opts.timerHeapInitSize); err != nil {
		e.wakeup.Close()
		unix.Close(efd)
		return nil, err
	}
	return e, nil
}

// ID is the shard id, also the owner value of every Event in this engine
func (e *EventEngine) ID() int { return e.id }

// Timers is the shard's timer subsystem
func (e *EventEngine) Timers() *TimeEvent { return e.timers }

// Len returns the number of registered Events, including internal ones
func (e *EventEngine) Len() int { return e.table.len() }

// Register adds ev to the interest set with a fresh generation. Inside a
// Runtime an I/O handle only registers with the shard it routes to, so two
// Events on one handle can never live on two shards.
func (e *EventEngine) Register(ev *Event) error {
	if ev == nil || ev.handle < 0 {
		return ErrInvalidParams
	}
	if !e.routes(ev) {
		return ErrRegistrationConflict
	}
	if !ev.owner.CompareAndSwap(-1, int32(e.id)) {
		return ErrRegistrationConflict
	}
	gen := e.genSeq.Add(1)
	if !e.table.store(ev.handle, ev, gen) {
		ev.owner.Store(-1)
		return ErrRegistrationConflict
	}
	ev.gen.Store(gen)
	ev.state.Store(uint32(StateRegistered))

	epev := unix.EpollEvent{Events: ev.epollEvents(), Fd: int32(ev.handle), Pad: int32(gen)}
	if err := unix.EpollCtl(e.efd, unix.EPOLL_CTL_ADD, ev.handle, &epev); err != nil {
		e.table.remove(ev.handle, ev)
		ev.state.Store(uint32(StateUnregistered))
		ev.owner.Store(-1)
		switch err {
		case unix.EPERM:
			return ErrNotPollable
		case unix.EEXIST:
			return ErrRegistrationConflict
		}
		return ioErr("epoll_ctl add", ev.handle, err)
	}
	e.metrics.eventRegistered(e.id, 1)
	return nil
}

func (e *EventEngine) routes(ev *Event) bool {
	if e.shards < 2 {
		return true
	}
	switch ev.kind {
	case KindNet, KindFile, KindListen:
		return ev.handle%e.shards == e.id
	}
	return true // engine-internal and callback events pick their shard
}

// Modify re-arms ev with its current direction. One-shot events need it
// after every notification that ended in would-block.
func (e *EventEngine) Modify(ev *Event) error {
	if ev == nil {
		return ErrInvalidParams
	}
	if ev.owner.Load() != int32(e.id) {
		return ErrNotRegistered
	}
	epev := unix.EpollEvent{Events: ev.epollEvents(), Fd: int32(ev.handle), Pad: int32(ev.gen.Load())}
	if err := unix.EpollCtl(e.efd, unix.EPOLL_CTL_MOD, ev.handle, &epev); err != nil {
		return ioErr("epoll_ctl mod", ev.handle, err)
	}
	return nil
}

// Unregister is idempotent. An Event not owned by this engine, or a handle
// the kernel already forgot (closed fd), is a success.
func (e *EventEngine) Unregister(ev *Event) error {
	if ev == nil {
		return nil
	}
	if !ev.owner.CompareAndSwap(int32(e.id), -1) {
		return nil
	}
	e.table.remove(ev.handle, ev)
	ev.state.Store(uint32(StateUnregistered))
	e.metrics.eventRegistered(e.id, -1)

	// The event argument is ignored and can be NULL (but see `man 2 epoll_ctl` BUGS)
	err := unix.EpollCtl(e.efd, unix.EPOLL_CTL_DEL, ev.handle, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return ioErr("epoll_ctl del", ev.handle, err)
	}
	return nil
}

// WaitAndDispatch blocks up to timeout (negative = until an event or a
// Wakeup) and runs the handler of every ready Event. Interrupted waits
// return (0, nil). Any other wait failure is an *EngineError.
func (e *EventEngine) WaitAndDispatch(timeout time.Duration) (int, error) {
	nfds, err := unix.EpollWait(e.efd, e.events, epollTimeout(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		e.metrics.engineFailed(e.id)
		return 0, &EngineError{Shard: e.id, Err: err}
	}
	for i := 0; i < nfds; i++ {
		epev := &e.events[i]
		gen := uint32(epev.Pad)
		ev, cur := e.table.load(int(epev.Fd))
		if ev == nil || cur != gen {
			e.metrics.staleDropped(e.id)
			continue
		}
		e.dispatch(ev, readyDirection(epev.Events), gen)
	}
	return nfds, nil
}

func (e *EventEngine) dispatch(ev *Event, ready Direction, gen uint32) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.handlerPanicked(e.id)
			e.log.Error("engine#%d %s fd=%d handler panic: %v\n%s", e.id, ev.name(), ev.handle, r, debug.Stack())
		}
	}()
	e.metrics.eventDispatched(e.id)
	ev.HandleEvent(e, ready, gen)
}

func readyDirection(events uint32) Direction {
	var d Direction
	if events&unix.EPOLLIN != 0 {
		d |= DirRead
	}
	if events&unix.EPOLLOUT != 0 {
		d |= DirWrite
	}
	// EPOLLHUP refer to man 2 epoll_ctl
	if events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		d |= DirError
	}
	return d
}

// Wakeup interrupts a blocked WaitAndDispatch. Safe from any goroutine.
func (e *EventEngine) Wakeup() {
	e.wakeup.Notify()
}

// Close releases the timerfd, the wakeup eventfd and the epoll fd.
// Remaining Events are unregistered but their handles stay open.
func (e *EventEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.timers.close()
	e.wakeup.Close()
	e.table.each(func(_ int, ev *Event) {
		ev.cancelWait(e)
	})
	if err := unix.Close(e.efd); err != nil {
		return errors.New("close epoll fd: " + err.Error())
	}
	return nil
}

// epollTimeout converts timeout to epoll_wait milliseconds: -1 blocks,
// a sub-millisecond wait rounds up to 1, and the C int range caps it.
func epollTimeout(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	msec := int(min(timeout/time.Millisecond, math.MaxInt32))
	if msec == 0 && timeout > 0 {
		msec = 1
	}
	return msec
}
