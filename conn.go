package goco

import (
	"errors"
	"sync/atomic"
	"time"
	"weak"

	"github.com/shaovie/goco/netfd"
	"golang.org/x/sys/unix"
)

// Conn is a non-blocking stream socket driven by Tasks. The handle lives
// on the shard fd % shardCount for its whole lifetime. A Conn must not be
// used by two Tasks at the same time.
type Conn struct {
	noCopy

	rt     *Runtime
	fd     int
	engine *EventEngine
	ev     *Event
	closed atomic.Bool
}

func newConn(rt *Runtime, fd int, proto NetProto) *Conn {
	return &Conn{
		rt:     rt,
		fd:     fd,
		engine: rt.engineFor(fd),
		ev:     newNetEvent(fd, proto),
	}
}

// Fd returns the socket handle
func (c *Conn) Fd() int { return c.fd }

// Event returns the Net event used for every operation of this Conn
func (c *Conn) Event() *Event { return c.ev }

// LocalAddr format 192.168.0.1:8080
func (c *Conn) LocalAddr() string { return netfd.LocalAddr(c.fd) }

// RemoteAddr format 192.168.0.1:8080
func (c *Conn) RemoteAddr() string { return netfd.RemoteAddr(c.fd) }

func (c *Conn) do(t *Task, op NetOp, dir Direction, buf []byte) (IOResult, error) {
	if c.closed.Load() {
		return IOResult{}, ErrConnClosed
	}
	c.ev.prepareNet(op, dir, buf, nil)
	w := NewWaitAction(c.engine, c.ev)
	return w.Await(t)
}

// Recv reads into buf. 0, nil means the peer closed the stream.
func (c *Conn) Recv(t *Task, buf []byte) (int, error) {
	res, err := c.do(t, OpRecv, DirRead, buf)
	return res.N, err
}

// Send writes once and returns how much the kernel took
func (c *Conn) Send(t *Task, buf []byte) (int, error) {
	res, err := c.do(t, OpSend, DirWrite, buf)
	return res.N, err
}

// SendAll sends until buf is drained or an error occurs
func (c *Conn) SendAll(t *Task, buf []byte) (int, error) {
	sent := 0
	for sent < len(buf) {
		n, err := c.Send(t, buf[sent:])
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// RecvTimeout races the read against a timer on the same shard.
// The loser is dropped explicitly: a pending read is unregistered on
// timeout, the timer is cancelled when the read wins. Bytes the kernel
// hands over after the timer won are lost with the wait.
func (c *Conn) RecvTimeout(t *Task, buf []byte, timeout time.Duration) (int, error) {
	if c.closed.Load() {
		return 0, ErrConnClosed
	}
	if timeout <= 0 {
		return c.Recv(t, buf)
	}
	c.ev.prepareNet(OpRecv, DirRead, buf, nil)
	w := NewWaitAction(c.engine, c.ev)
	aw := NewAwaiter[IOResult](t)
	if w.Attempt(t, aw) == NoSuspend {
		res, err := aw.Result()
		return res.N, err
	}
	tm, err := c.engine.Timers().Schedule(timeout, 1, func(weak.Pointer[TimeEvent], *Timer) {
		aw.complete(IOResult{Err: ErrTimeout}, ErrTimeout)
	})
	if err != nil {
		c.ev.cancelWait(c.engine)
		return 0, err
	}
	t.pendingEv, t.pendingEngine, t.pendingTimer = c.ev, c.engine, tm
	t.suspend()
	res, err := aw.Result()
	if errors.Is(err, ErrTimeout) {
		c.ev.cancelWait(c.engine)
	} else {
		tm.Cancel()
	}
	return res.N, err
}

// Close unregisters the Event and closes the handle. Idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.ev.cancelWait(c.engine)
	c.ev.prepareNet(OpClose, DirNone, nil, nil)
	if c.ev.net.proto == ProtoTLS { // the session shutdown is TLSConn.Close
		if err := netfd.Close(c.fd); err != nil {
			return ioErr(c.ev.name(), c.fd, err)
		}
		return nil
	}
	c.ev.mu.Lock()
	res, _ := c.ev.attemptNet()
	c.ev.mu.Unlock()
	return res.Err
}

// connect runs the connect state machine: connect(2), wait for
// writability, then read SO_ERROR.
func (c *Conn) connect(t *Task, sa unix.Sockaddr) error {
	c.ev.prepareNet(OpConnect, DirWrite, nil, sa)
	w := NewWaitAction(c.engine, c.ev)
	_, err := w.Await(t)
	return err
}
