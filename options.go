package goco

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Runtime. Build it through Option funcs.
type Options struct {
	// listener options
	reuseAddr     bool // SO_REUSEADDR
	listenBacklog int
	recvBuffSize  int // SO_RCVBUF, ignore equal 0

	// event scheduler options
	evPollNum          int // number of EventEngine shards
	evReadyNum         int // epoll_wait batch size
	evDataArrSize      int
	ioWaitTimeout      time.Duration
	evPollLockOSThread bool

	// task scheduler options
	taskSchedNum      int
	taskPollInterval  time.Duration
	timerHeapInitSize int

	// session options
	readBufferSize int

	log        *Log
	registerer prometheus.Registerer
}

// Option mutates Options
type Option func(*Options)

func setOptions(optL ...Option) *Options {
	opts := &Options{
		reuseAddr:         true,
		listenBacklog:     1024, // go default 128
		evReadyNum:        512,
		evDataArrSize:     8192,
		ioWaitTimeout:     -1,
		taskPollInterval:  5 * time.Millisecond,
		timerHeapInitSize: 1024,
		readBufferSize:    4096,
	}
	cpuN := runtime.NumCPU()
	opts.evPollNum = 1
	if cpuN > 15 {
		opts.evPollNum = cpuN - 4
	} else if cpuN > 3 {
		opts.evPollNum = cpuN - 2
	}
	opts.taskSchedNum = opts.evPollNum

	for _, opt := range optL {
		opt(opts)
	}
	return opts
}

// ReuseAddr for SO_REUSEADDR
func ReuseAddr(v bool) Option {
	return func(o *Options) {
		o.reuseAddr = v
	}
}

// ListenBacklog for syscall.Listen(fd, backlog), also affect `for i < backlog/2 { accept() }`
func ListenBacklog(v int) Option {
	return func(o *Options) {
		if v > 0 {
			o.listenBacklog = v
		}
	}
}

// RecvBuffSize for SO_RCVBUF of the listen/dial socket
func RecvBuffSize(n int) Option {
	return func(o *Options) {
		o.recvBuffSize = n
	}
}

// EvPollNum is the number of EventScheduler shards (thread_count)
func EvPollNum(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.evPollNum = n
		}
	}
}

// EvReadyNum is the max number of ready events fetched by one epoll_wait
func EvReadyNum(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.evReadyNum = n
		}
	}
}

// EvDataArrSize is the size of the fd-indexed array part of the event table.
// Handles above it fall back to a map.
func EvDataArrSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.evDataArrSize = n
		}
	}
}

// IOWaitTimeout bounds each reactor wait. Negative blocks until an event or a wakeup.
func IOWaitTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ioWaitTimeout = d
	}
}

// EvPollLockOSThread binds every EventScheduler goroutine to its OS thread
func EvPollLockOSThread(v bool) Option {
	return func(o *Options) {
		o.evPollLockOSThread = v
	}
}

// TaskSchedulerNum is the number of TaskScheduler goroutines
func TaskSchedulerNum(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.taskSchedNum = n
		}
	}
}

// TaskPollInterval is the bounded wait of the task scheduler loop
func TaskPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.taskPollInterval = d
		}
	}
}

// TimerHeapInitSize presizes every shard's timer heap
func TimerHeapInitSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.timerHeapInitSize = n
		}
	}
}

// ReadBufferSize is the bytes per read attempt used by Session
func ReadBufferSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.readBufferSize = n
		}
	}
}

// WithLog sets the runtime logger. Default is a stdout Log at info level.
func WithLog(l *Log) Option {
	return func(o *Options) {
		o.log = l
	}
}

// MetricsRegisterer registers the runtime collectors with reg.
// Default is a private registry.
func MetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.registerer = reg
	}
}
