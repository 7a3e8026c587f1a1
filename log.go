package goco

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// LogLevel filters Log output
type LogLevel int32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelOff
)

// ParseLogLevel accepts debug, info, warn(ing), error, fatal, off
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "fatal":
		return LevelFatal, nil
	case "off", "none":
		return LevelOff, nil
	}
	return LevelInfo, errors.New("unknown log level: " + s)
}

// Log writes one file per level per day, or stdout when dir is empty.
// Every runtime component receives the Log of its Runtime.
type Log struct {
	noCopy

	level atomic.Int32

	debugL log
	infoL  log
	warnL  log
	errorL log
	fatalL log
}

// NewLog output to stdout if dir == ""
func NewLog(dir string) (*Log, error) {
	l := &Log{
		debugL: log{dir: dir, name: "debug", fd: -1},
		infoL:  log{dir: dir, name: "info", fd: -1},
		warnL:  log{dir: dir, name: "warn", fd: -1},
		errorL: log{dir: dir, name: "error", fd: -1},
		fatalL: log{dir: dir, name: "fatal", fd: -1},
	}
	l.level.Store(int32(LevelInfo))
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.New("NewLog mkdir fail! " + err.Error())
		}
	}
	return l, nil
}

// NullLog discards everything
func NullLog() *Log {
	l, _ := NewLog("")
	l.SetLevel(LevelOff)
	return l
}

// SetLevel drops records below lv
func (l *Log) SetLevel(lv LogLevel) {
	l.level.Store(int32(lv))
}

// Level returns the current minimum level
func (l *Log) Level() LogLevel {
	return LogLevel(l.level.Load())
}

func (l *Log) enabled(lv LogLevel) bool {
	return l != nil && LogLevel(l.level.Load()) <= lv
}

func (l *Log) Debug(format string, v ...any) {
	if l.enabled(LevelDebug) {
		l.debugL.write(format, v...)
	}
}
func (l *Log) Info(format string, v ...any) {
	if l.enabled(LevelInfo) {
		l.infoL.write(format, v...)
	}
}
func (l *Log) Warn(format string, v ...any) {
	if l.enabled(LevelWarn) {
		l.warnL.write(format, v...)
	}
}
func (l *Log) Error(format string, v ...any) {
	if l.enabled(LevelError) {
		l.errorL.write(format, v...)
	}
}
func (l *Log) Fatal(format string, v ...any) {
	if l.enabled(LevelFatal) {
		l.fatalL.write(format, v...)
	}
}

// Close releases the level files
func (l *Log) Close() {
	for _, ll := range []*log{&l.debugL, &l.infoL, &l.warnL, &l.errorL, &l.fatalL} {
		ll.mtx.Lock()
		ll.close()
		ll.mtx.Unlock()
	}
}

// implement
type log struct {
	newFileYear  int
	newFileMonth int
	newFileDay   int
	fd           int
	dir          string
	name         string
	buff         []byte

	mtx sync.Mutex
}

func (l *log) newFile(year, month, day int) error {
	if l.newFileYear != year || l.newFileMonth != month || l.newFileDay != day {
		l.close()
		if err := l.open(year, month, day); err != nil {
			return err
		}
	}
	return nil
}
func (l *log) open(year, month, day int) (err error) {
	if l.dir == "" {
		l.fd = 1
	} else {
		fname := fmt.Sprintf("%s-%d-%02d-%02d.log", l.name, year, month, day)
		logFile := path.Join(l.dir, fname)
		l.fd, err = syscall.Open(logFile, syscall.O_CREAT|syscall.O_WRONLY|syscall.O_APPEND|syscall.O_CLOEXEC, 0644)
		if err != nil {
			return err
		}
	}
	l.newFileYear, l.newFileMonth, l.newFileDay = year, month, day
	l.buff = make([]byte, 0, 512)
	l.itoa(year, 4)
	l.buff = append(l.buff, '-')
	l.itoa(month, 2)
	l.buff = append(l.buff, '-')
	l.itoa(day, 2)
	l.buff = append(l.buff, ' ')
	return nil
}
func (l *log) close() {
	if l.dir != "" && l.fd != -1 {
		syscall.Close(l.fd)
	}
	l.fd = -1
	l.newFileYear, l.newFileMonth, l.newFileDay = 0, 0, 0
}
func (l *log) write(format string, v ...any) {
	now := time.Now()
	year, month, day := now.Date()

	l.mtx.Lock()
	defer l.mtx.Unlock()

	if err := l.newFile(year, int(month), day); err != nil {
		return
	}

	if l.fd == -1 {
		return
	}
	hour, min, sec := now.Clock()
	l.itoa(hour, 2)
	l.buff = append(l.buff, ':')
	l.itoa(min, 2)
	l.buff = append(l.buff, ':')
	l.itoa(sec, 2)
	l.buff = append(l.buff, '.')
	l.itoa(now.Nanosecond()/1e6, 3)
	if l.dir != "" {
		l.buff = append(l.buff, " > "...)
	} else {
		l.buff = append(l.buff, ' ')
		l.buff = append(l.buff, l.name+" > "...)
	}

	l.buff = fmt.Appendf(l.buff, format, v...)
	l.buff = append(l.buff, '\n')
	for {
		_, err := syscall.Write(l.fd, l.buff)
		if err != nil && err == syscall.EINTR {
			continue
		}
		break
	}
	l.buff = l.buff[:11 /*len("2023-07-05 ")*/]
}
func (l *log) itoa(i int, wid int) {
	// Assemble decimal in reverse order.
	var b [8]byte
	bp := len(b) - 1
	for i >= 10 || wid > 1 {
		wid--
		q := i / 10
		b[bp] = byte('0' + i - q*10)
		bp--
		i = q
	}
	// i < 10
	b[bp] = byte('0' + i)
	l.buff = append(l.buff, b[bp:]...)
}
