package goco

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Notify is an eventfd registered as a Callback event. Notify() from any
// goroutine makes the owning engine run the handler on its own goroutine.
// Repeated notifications before the handler runs are coalesced.
type Notify struct {
	noCopy

	efd        int
	notifyOnce atomic.Int32 // used to avoid duplicate writes before the read
	closeOnce  atomic.Int32 // used to avoid duplicate close

	ev      *Event
	engine  *EventEngine
	handler func()
}

var (
	notifyV      int64 = 1
	notifyWriteV       = (*(*[8]byte)(unsafe.Pointer(&notifyV)))[:]
)

// NewNotify registers an eventfd with e. h may be nil, then the notification
// only interrupts the engine wait.
func NewNotify(e *EventEngine, h func()) (*Notify, error) {
	if e == nil {
		return nil, ErrInvalidParams
	}
	// since Linux 2.6.27
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.New("eventfd: " + err.Error())
	}
	nt := &Notify{
		efd:     fd,
		engine:  e,
		handler: h,
	}
	nt.ev = NewCallbackEvent(fd, func(*Event, *EventEngine) { nt.onRead() })
	if err = e.Register(nt.ev); err != nil {
		unix.Close(fd)
		return nil, errors.New("Notify register fail! " + err.Error())
	}
	return nt, nil
}

// Notify is thread-safe
func (nt *Notify) Notify() {
	if nt.closeOnce.Load() == 1 || !nt.notifyOnce.CompareAndSwap(0, 1) {
		return
	}
	for {
		n, err := unix.Write(nt.efd, notifyWriteV) // man 2 eventfd
		if n == 8 {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN { // counter overflow means a wakeup is pending anyway
			nt.notifyOnce.Store(0)
		}
		return
	}
}

// Close unregisters and closes the eventfd. Thread-safe and idempotent.
func (nt *Notify) Close() {
	if !nt.closeOnce.CompareAndSwap(0, 1) {
		return
	}
	nt.engine.Unregister(nt.ev)
	unix.Close(nt.efd)
}

func (nt *Notify) onRead() {
	var tmp [8]byte
	for {
		_, err := unix.Read(nt.efd, tmp[:])
		if err == unix.EINTR {
			continue
		}
		break
	}
	nt.notifyOnce.Store(0)
	if nt.handler != nil {
		nt.handler()
	}
}
