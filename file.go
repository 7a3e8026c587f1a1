package goco

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// File is a non-blocking file descriptor driven by Tasks. Pipes and FIFOs
// go through the full would-block path. Regular files never report EAGAIN,
// every call completes without suspending.
type File struct {
	noCopy

	fd     int
	engine *EventEngine
	ev     *Event
	closed atomic.Bool
}

// NewFile takes ownership of fd and switches it to non-blocking mode
func (rt *Runtime) NewFile(fd int) (*File, error) {
	if fd < 0 {
		return nil, ErrInvalidParams
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.New("set nonblock: " + err.Error())
	}
	return &File{
		fd:     fd,
		engine: rt.engineFor(fd),
		ev:     newEvent(KindFile, fd, DirRead),
	}, nil
}

// OpenFile opens path non-blocking, flags as for open(2)
func (rt *Runtime) OpenFile(path string, flags int, perm uint32) (*File, error) {
	fd, err := unix.Open(path, flags|unix.O_NONBLOCK|unix.O_CLOEXEC, perm)
	if err != nil {
		return nil, errors.New("open " + path + ": " + err.Error())
	}
	return rt.NewFile(fd)
}

func (f *File) Fd() int { return f.fd }

func (f *File) do(t *Task, op FileOp, buf []byte, off int64) (int, error) {
	if f.closed.Load() {
		return 0, ErrConnClosed
	}
	f.ev.prepareFile(op, buf, off)
	w := NewWaitAction(f.engine, f.ev)
	res, err := w.Await(t)
	return res.N, err
}

// Read at the current position, 0, nil at end of file
func (f *File) Read(t *Task, buf []byte) (int, error) {
	return f.do(t, FileRead, buf, -1)
}

// ReadAt is pread(2), for regular files
func (f *File) ReadAt(t *Task, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidParams
	}
	return f.do(t, FileRead, buf, off)
}

func (f *File) Write(t *Task, buf []byte) (int, error) {
	return f.do(t, FileWrite, buf, -1)
}

// WriteAt is pwrite(2), for regular files
func (f *File) WriteAt(t *Task, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidParams
	}
	return f.do(t, FileWrite, buf, off)
}

// Close unregisters the Event and closes the fd. Idempotent.
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.ev.cancelWait(f.engine)
	if err := unix.Close(f.fd); err != nil {
		return ioErr("file.close", f.fd, err)
	}
	return nil
}
