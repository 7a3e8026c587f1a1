package goco

import (
	"github.com/shaovie/goco/netfd"
	"golang.org/x/sys/unix"
)

// FileOp is the pending operation of a File event
type FileOp uint8

const (
	FileRead FileOp = iota
	FileWrite
)

func (o FileOp) String() string {
	if o == FileWrite {
		return "write"
	}
	return "read"
}

type fileState struct {
	op  FileOp
	buf []byte
	off int64 // -1: use the file position (pipes, FIFOs)
}

func (ev *Event) prepareFile(op FileOp, buf []byte, off int64) {
	ev.mu.Lock()
	ev.file.op, ev.file.buf, ev.file.off = op, buf, off
	if op == FileWrite {
		ev.dir = DirWrite
	} else {
		ev.dir = DirRead
	}
	ev.mu.Unlock()
}

func (ev *Event) attemptFile() (IOResult, bool) {
	var res IOResult
	var err error
	fs := &ev.file
	for {
		switch {
		case fs.op == FileRead && fs.off >= 0:
			res.N, err = unix.Pread(ev.handle, fs.buf, fs.off)
		case fs.op == FileRead:
			res.N, err = netfd.Read(ev.handle, fs.buf)
		case fs.off >= 0:
			res.N, err = unix.Pwrite(ev.handle, fs.buf, fs.off)
		default:
			res.N, err = netfd.Write(ev.handle, fs.buf)
		}
		if classify(err) != classTransient {
			break
		}
	}
	switch classify(err) {
	case classOK:
		return res, false
	case classWouldBlock:
		return IOResult{}, true
	}
	return IOResult{Err: ioErr(ev.name(), ev.handle, err)}, false
}
