package goco

import (
	"sync/atomic"

	"github.com/shaovie/goco/netfd"
)

// HandlerFactory builds the Task body serving one accepted connection.
// Returning nil rejects the connection, it is closed.
type HandlerFactory func(c *Conn) TaskFunc

// Listener is a listening TCP socket. Accept is task-driven; a Listener
// created by Runtime.Serve instead stays registered as a Listen event and
// spawns one Task per accepted connection from the engine goroutine.
type Listener struct {
	noCopy

	rt     *Runtime
	fd     int
	engine *EventEngine
	ev     *Event
	closed atomic.Bool
}

type listenState struct {
	rt              *Runtime
	fd              int
	factory         HandlerFactory
	loopAcceptTimes int
}

func (rt *Runtime) listen(addr string) (*Listener, error) {
	fd, err := netfd.Listen(addr, netfd.ListenOptions{
		ReuseAddr:    rt.opts.reuseAddr,
		Backlog:      rt.opts.listenBacklog,
		RecvBuffSize: rt.opts.recvBuffSize,
	})
	if err != nil {
		return nil, err
	}
	return &Listener{rt: rt, fd: fd, engine: rt.engineFor(fd)}, nil
}

// Listen opens addr for task-driven Accept.
// The addr format 192.168.0.1:8080 or :8080
func (rt *Runtime) Listen(addr string) (*Listener, error) {
	if rt.stopped.Load() {
		return nil, ErrRuntimeStopped
	}
	l, err := rt.listen(addr)
	if err != nil {
		return nil, err
	}
	l.ev = newNetEvent(l.fd, ProtoTCP)
	l.ev.prepareNet(OpAccept, DirRead, nil, nil)
	return l, nil
}

// Serve opens addr and spawns factory(conn) for every accepted connection
func (rt *Runtime) Serve(addr string, factory HandlerFactory) (*Listener, error) {
	if factory == nil {
		return nil, ErrInvalidParams
	}
	if rt.stopped.Load() {
		return nil, ErrRuntimeStopped
	}
	l, err := rt.listen(addr)
	if err != nil {
		return nil, err
	}
	ls := &listenState{
		rt:              rt,
		fd:              l.fd,
		factory:         factory,
		loopAcceptTimes: rt.opts.listenBacklog / 2,
	}
	if ls.loopAcceptTimes < 1 {
		ls.loopAcceptTimes = 1
	}
	l.ev = newEvent(KindListen, l.fd, DirRead)
	l.ev.ln = ls
	if err = l.engine.Register(l.ev); err != nil {
		netfd.Close(l.fd)
		return nil, err
	}
	rt.log.Info("listen %s fd=%d on engine#%d", l.Addr(), l.fd, l.engine.id)
	return l, nil
}

// Fd of the listening socket
func (l *Listener) Fd() int { return l.fd }

// Addr is the bound address, useful after listening on port 0
func (l *Listener) Addr() string { return netfd.LocalAddr(l.fd) }

// Accept waits for one connection
func (l *Listener) Accept(t *Task) (*Conn, error) {
	if l.closed.Load() {
		return nil, ErrConnClosed
	}
	if l.ev.kind != KindNet {
		return nil, ErrInvalidParams // Serve drives this listener
	}
	w := NewWaitAction(l.engine, l.ev)
	res, err := w.Await(t)
	if err != nil {
		return nil, err
	}
	return newConn(l.rt, res.N, ProtoTCP), nil
}

// Close unregisters the listen event and closes the socket. Idempotent.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.ev.kind == KindListen {
		l.engine.Unregister(l.ev)
	} else {
		l.ev.cancelWait(l.engine)
	}
	return netfd.Close(l.fd)
}

// onReady runs on the engine goroutine: accept up to loopAcceptTimes
// connections and hand each to a fresh Task.
func (ls *listenState) onReady(e *EventEngine) {
	for i := 0; i < ls.loopAcceptTimes; i++ {
		fd, _, err := netfd.Accept(ls.fd)
		if err != nil {
			if classify(err) != classWouldBlock {
				e.log.Warn("accept fd=%d: %s", ls.fd, err.Error())
			}
			break
		}
		c := newConn(ls.rt, fd, ProtoTCP)
		fn := ls.factory(c)
		if fn == nil {
			c.Close()
			continue
		}
		if _, err = ls.rt.Spawn(fn); err != nil {
			e.log.Error("spawn handler for fd=%d: %s", fd, err.Error())
			c.Close()
		}
	}
}
