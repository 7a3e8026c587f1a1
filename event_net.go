package goco

import (
	"github.com/shaovie/goco/netfd"
	"golang.org/x/sys/unix"
)

// NetProto of a Net event
type NetProto uint8

const (
	ProtoTCP NetProto = iota
	ProtoUDP
	ProtoTLS
)

func (p NetProto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoTLS:
		return "tls"
	}
	return "proto?"
}

// NetOp is the pending operation of a Net event
type NetOp uint8

const (
	OpAccept NetOp = iota
	OpConnect
	OpRecv
	OpSend
	OpClose
)

func (o NetOp) String() string {
	switch o {
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpRecv:
		return "recv"
	case OpSend:
		return "send"
	case OpClose:
		return "close"
	}
	return "op?"
}

// netState is the retry state of one pending net operation
type netState struct {
	proto NetProto
	op    NetOp
	buf   []byte
	sa    unix.Sockaddr // connect target, sendto destination

	connecting bool // connect(2) issued, waiting for SO_ERROR
	tls        TLSSession
}

func newNetEvent(fd int, proto NetProto) *Event {
	ev := newEvent(KindNet, fd, DirRead)
	ev.net.proto = proto
	return ev
}

// prepareNet sets the next operation. The Event must not be armed.
func (ev *Event) prepareNet(op NetOp, dir Direction, buf []byte, sa unix.Sockaddr) {
	ev.mu.Lock()
	ev.net.op, ev.dir, ev.net.buf, ev.net.sa = op, dir, buf, sa
	if op != OpConnect {
		ev.net.connecting = false
	}
	ev.mu.Unlock()
}

func (ev *Event) attemptNet() (IOResult, bool) {
	if ev.net.proto == ProtoTLS {
		return ev.attemptTLS()
	}
	var res IOResult
	var err error
	fd := ev.handle
	ns := &ev.net
	switch ns.op {
	case OpAccept:
		res.N, res.Addr, err = netfd.Accept(fd)
	case OpConnect:
		if !ns.connecting {
			err = netfd.Connect(fd, ns.sa)
			if classify(err) == classWouldBlock {
				ns.connecting = true
			}
		} else {
			err = netfd.SoError(fd)
			ns.connecting = false
		}
	case OpRecv:
		if ns.proto == ProtoUDP {
			res.N, res.Addr, err = netfd.RecvFrom(fd, ns.buf)
		} else {
			res.N, err = netfd.Read(fd, ns.buf)
		}
	case OpSend:
		if ns.proto == ProtoUDP {
			if err = netfd.SendTo(fd, ns.buf, ns.sa); err == nil {
				res.N = len(ns.buf)
			}
		} else {
			res.N, err = netfd.Send(fd, ns.buf)
		}
	case OpClose:
		err = unix.Close(fd)
	}
	switch classify(err) {
	case classOK:
		return res, false
	case classWouldBlock:
		return IOResult{}, true
	}
	return IOResult{Err: ioErr(ev.name(), fd, err)}, false
}

// attemptTLS drives one step of the session. A step asking for the other
// direction flips ev.dir, the caller then re-arms with it.
func (ev *Event) attemptTLS() (IOResult, bool) {
	ns := &ev.net
	if ns.tls == nil {
		return IOResult{Err: ErrTLSFailed}, false
	}
	var n int
	var step TLSStep
	switch ns.op {
	case OpAccept, OpConnect:
		step = ns.tls.Handshake()
	case OpRecv:
		n, step = ns.tls.Read(ns.buf)
	case OpSend:
		n, step = ns.tls.Write(ns.buf)
	case OpClose:
		step = ns.tls.Shutdown()
	}
	switch step {
	case TLSDone:
		return IOResult{N: n}, false
	case TLSWantRead:
		ev.dir = DirRead
		return IOResult{}, true
	case TLSWantWrite:
		ev.dir = DirWrite
		return IOResult{}, true
	}
	return IOResult{Err: ioErr(ev.name(), ev.handle, ErrTLSFailed)}, false
}
