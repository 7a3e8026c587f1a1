package goco

import (
	"sync/atomic"

	"github.com/shaovie/goco/netfd"
	"golang.org/x/sys/unix"
)

// PacketConn is a non-blocking UDP socket driven by Tasks
type PacketConn struct {
	noCopy

	fd     int
	engine *EventEngine
	ev     *Event
	closed atomic.Bool
}

// ListenUDP binds addr. The addr format 192.168.0.1:8080 or :8080
func (rt *Runtime) ListenUDP(addr string) (*PacketConn, error) {
	if rt.stopped.Load() {
		return nil, ErrRuntimeStopped
	}
	fd, err := netfd.ListenPacket(addr, netfd.ListenOptions{
		ReuseAddr:    rt.opts.reuseAddr,
		RecvBuffSize: rt.opts.recvBuffSize,
	})
	if err != nil {
		return nil, err
	}
	return &PacketConn{
		fd:     fd,
		engine: rt.engineFor(fd),
		ev:     newNetEvent(fd, ProtoUDP),
	}, nil
}

func (pc *PacketConn) Fd() int { return pc.fd }

// LocalAddr format 192.168.0.1:8080
func (pc *PacketConn) LocalAddr() string { return netfd.LocalAddr(pc.fd) }

// RecvFrom reads one datagram and its sender
func (pc *PacketConn) RecvFrom(t *Task, buf []byte) (int, unix.Sockaddr, error) {
	if pc.closed.Load() {
		return 0, nil, ErrConnClosed
	}
	pc.ev.prepareNet(OpRecv, DirRead, buf, nil)
	w := NewWaitAction(pc.engine, pc.ev)
	res, err := w.Await(t)
	return res.N, res.Addr, err
}

// SendTo sends buf as one datagram
func (pc *PacketConn) SendTo(t *Task, buf []byte, to unix.Sockaddr) (int, error) {
	if pc.closed.Load() {
		return 0, ErrConnClosed
	}
	if to == nil {
		return 0, ErrInvalidParams
	}
	pc.ev.prepareNet(OpSend, DirWrite, buf, to)
	w := NewWaitAction(pc.engine, pc.ev)
	res, err := w.Await(t)
	return res.N, err
}

// Close unregisters the Event and closes the socket. Idempotent.
func (pc *PacketConn) Close() error {
	if !pc.closed.CompareAndSwap(false, true) {
		return nil
	}
	pc.ev.cancelWait(pc.engine)
	pc.ev.prepareNet(OpClose, DirNone, nil, nil)
	pc.ev.mu.Lock()
	res, _ := pc.ev.attemptNet()
	pc.ev.mu.Unlock()
	return res.Err
}
