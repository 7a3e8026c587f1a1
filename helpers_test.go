package goco

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestRuntime(t *testing.T, shards int, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{
		EvPollNum(shards),
		TaskSchedulerNum(1),
		WithLog(NullLog()),
		TaskPollInterval(time.Millisecond),
	}, opts...)
	rt, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rt.StartAll()
	t.Cleanup(func() {
		rt.StopAll()
		if err := rt.Wait(); err != nil {
			t.Errorf("runtime wait: %v", err)
		}
	})
	return rt
}

// runTask spawns fn and waits until it returned
func runTask(t *testing.T, rt *Runtime, timeout time.Duration, fn TaskFunc) *Task {
	t.Helper()
	done := make(chan struct{})
	tk, err := rt.Spawn(func(tk *Task) {
		defer close(done)
		fn(tk)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("task %s did not finish within %s", tk.ID(), timeout)
	}
	return tk
}

func newTestEngine(t *testing.T, id int) *EventEngine {
	t.Helper()
	e, err := newEventEngine(id, setOptions(EvDataArrSize(64)), NullLog(), nil)
	if err != nil {
		t.Fatalf("newEventEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	return p[0], p[1]
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
