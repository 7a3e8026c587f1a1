package goco

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/shaovie/goco/netfd"
	"golang.org/x/sys/unix"
)

// Runtime is the process context: N reactor shards, each an EventEngine
// driven by its EventScheduler, plus M TaskSchedulers. A handle is bound to
// shard fd % N for its lifetime; timers and new tasks are spread
// round-robin.
type Runtime struct {
	noCopy

	opts    *Options
	log     *Log
	metrics *Metrics

	engines    []*EventEngine
	evScheds   []*EventScheduler
	taskScheds []*TaskScheduler

	timerIdx atomic.Int64
	spawnIdx atomic.Int64

	started  atomic.Bool
	stopped  atomic.Bool
	waitOnce sync.Once
	waitErr  error
}

// New creates the shards and schedulers without starting them
func New(opts ...Option) (*Runtime, error) {
	o := setOptions(opts...)
	if o.evPollNum < 1 || o.taskSchedNum < 1 {
		return nil, errors.New("options: EvPollNum and TaskSchedulerNum MUST > 0")
	}
	rt := &Runtime{opts: o, log: o.log}
	if rt.log == nil {
		rt.log, _ = NewLog("")
	}
	m, err := NewMetrics(o.registerer)
	if err != nil {
		return nil, errors.New("register metrics: " + err.Error())
	}
	rt.metrics = m

	for i := 0; i < o.evPollNum; i++ {
		e, err := newEventEngine(i, o, rt.log, m)
		if err != nil {
			rt.closeEngines()
			return nil, err
		}
		e.shards = o.evPollNum
		rt.engines = append(rt.engines, e)
		rt.evScheds = append(rt.evScheds, NewEventScheduler(e, o.ioWaitTimeout, o.evPollLockOSThread))
	}
	for i := 0; i < o.taskSchedNum; i++ {
		ts := NewTaskScheduler(i, o.taskPollInterval, rt.log, m)
		ts.rt = rt
		rt.taskScheds = append(rt.taskScheds, ts)
	}
	return rt, nil
}

func (rt *Runtime) Log() *Log                 { return rt.log }
func (rt *Runtime) Metrics() *Metrics         { return rt.metrics }
func (rt *Runtime) ShardCount() int           { return len(rt.engines) }
func (rt *Runtime) Engine(i int) *EventEngine { return rt.engines[i] }

func (rt *Runtime) TaskScheduler(i int) *TaskScheduler { return rt.taskScheds[i] }

// EngineFor returns the shard that owns handle
func (rt *Runtime) EngineFor(handle int) *EventEngine { return rt.engineFor(handle) }

func (rt *Runtime) engineFor(fd int) *EventEngine {
	if len(rt.engines) == 1 || fd < 0 {
		return rt.engines[0]
	}
	// fd is a self-incrementing and cyclic integer, can be allocated through round-robin distribution.
	return rt.engines[fd%len(rt.engines)]
}

// Release drops ev from the shard that currently owns it, discarding any
// pending wait. An unregistered Event is a no-op.
func (rt *Runtime) Release(ev *Event) error {
	if ev == nil {
		return nil
	}
	owner := ev.Owner()
	if owner < 0 || owner >= len(rt.engines) {
		return nil
	}
	return ev.cancelWait(rt.engines[owner])
}

// StartAll starts every scheduler goroutine
func (rt *Runtime) StartAll() {
	if !rt.started.CompareAndSwap(false, true) {
		return
	}
	for _, es := range rt.evScheds {
		es.Start()
	}
	for _, ts := range rt.taskScheds {
		ts.Start()
	}
	rt.log.Info("runtime started: %d engines, %d task schedulers", len(rt.engines), len(rt.taskScheds))
}

// StopAll only sets the stop flags and wakes the loops. Idempotent.
func (rt *Runtime) StopAll() {
	if !rt.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, es := range rt.evScheds {
		es.Stop()
	}
	for _, ts := range rt.taskScheds {
		ts.Stop()
	}
}

// WaitForAllDone reports whether every spawned task finished within timeout
func (rt *Runtime) WaitForAllDone(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, ts := range rt.taskScheds {
		if !ts.WaitForAllDone(time.Until(deadline)) {
			return false
		}
	}
	return true
}

// Wait blocks until every loop has exited, then releases the shards.
// The result joins the fatal errors of the shards that failed.
func (rt *Runtime) Wait() error {
	rt.waitOnce.Do(func() {
		var errs []error
		for _, es := range rt.evScheds {
			if err := es.Wait(); err != nil {
				errs = append(errs, err)
			}
		}
		// no shard left to resume anything
		rt.StopAll()
		for _, ts := range rt.taskScheds {
			ts.Wait()
		}
		rt.closeEngines()
		rt.waitErr = errors.Join(errs...)
	})
	return rt.waitErr
}

// Run is StartAll followed by Wait
func (rt *Runtime) Run() error {
	rt.StartAll()
	return rt.Wait()
}

func (rt *Runtime) closeEngines() {
	for _, e := range rt.engines {
		if err := e.Close(); err != nil {
			rt.log.Warn("engine#%d close: %s", e.id, err.Error())
		}
	}
}

// Spawn starts fn on the next TaskScheduler
func (rt *Runtime) Spawn(fn TaskFunc) (*Task, error) {
	if rt.stopped.Load() {
		return nil, ErrRuntimeStopped
	}
	i := int(rt.spawnIdx.Add(1) % int64(len(rt.taskScheds)))
	return rt.taskScheds[i].Spawn(fn)
}

// ScheduleTimer puts a timer on the next shard, round-robin
func (rt *Runtime) ScheduleTimer(delay time.Duration, repeat int, fn TimerFunc) (*Timer, error) {
	if rt.stopped.Load() {
		return nil, ErrRuntimeStopped
	}
	i := 0
	if len(rt.engines) > 1 {
		i = int(rt.timerIdx.Add(1) % int64(len(rt.engines)))
	}
	return rt.engines[i].Timers().Schedule(delay, repeat, fn)
}

// AfterFunc runs fn once on an engine goroutine after d
func (rt *Runtime) AfterFunc(d time.Duration, fn func()) (*Timer, error) {
	if fn == nil {
		return nil, ErrInvalidParams
	}
	return rt.ScheduleTimer(d, 1, func(weak.Pointer[TimeEvent], *Timer) { fn() })
}

// Dial connects to addr from inside t. The addr format 192.168.0.1:8080
func (rt *Runtime) Dial(t *Task, addr string) (*Conn, error) {
	if rt.stopped.Load() {
		return nil, ErrRuntimeStopped
	}
	sa, err := netfd.ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := netfd.Socket(sa, unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	if rt.opts.recvBuffSize > 0 {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rt.opts.recvBuffSize); err != nil {
			unix.Close(fd)
			return nil, errors.New("Set SO_RCVBUF: " + err.Error())
		}
	}
	c := newConn(rt, fd, ProtoTCP)
	if err = c.connect(t, sa); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
