package goco

import (
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestWaitAction_WouldBlockRoundTrips(t *testing.T) {
	rt := newTestRuntime(t, 1)
	e := rt.Engine(0)
	base := e.Len()
	a, b := socketPair(t)
	defer unix.Close(b)

	const k = 8
	c := newConn(rt, a, ProtoTCP)
	defer c.Close()
	errCh := make(chan error, 1)
	tk, err := rt.Spawn(func(tk *Task) {
		buf := make([]byte, 4)
		for i := 0; i < k; i++ {
			n, err := c.Recv(tk, buf)
			if err != nil || n != 1 || buf[0] != byte('a'+i) {
				errCh <- errors.New("unexpected recv")
				return
			}
			if err = checkResumer(); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < k; i++ {
		eventually(t, time.Second, func() bool {
			return tk.Suspends() == uint64(i+1) && c.Event().Registered()
		}, "task suspended on recv")
		if _, err := unix.Write(b, []byte{byte('a' + i)}); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
	eventually(t, time.Second, tk.IsDone, "task done")
	if tk.Suspends() != k || tk.Resumes() != k+1 {
		t.Fatalf("suspends=%d resumes=%d", tk.Suspends(), tk.Resumes())
	}
	if c.Event().Registered() || e.Len() != base {
		t.Fatalf("event left registered, engine len %d want %d", e.Len(), base)
	}
	if c.Event().State() != StateUnregistered {
		t.Fatalf("event state %d", c.Event().State())
	}
}

// checkResumer runs on a task goroutine. Whoever resumed the task is parked
// in Task.Resume until the task yields again; it must be a TaskScheduler
// drain loop, never an engine dispatching a completion inline.
func checkResumer() error {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]
	found := false
	for _, g := range strings.Split(string(buf), "\n\n") {
		if !strings.Contains(g, "goco.(*Task).Resume(") {
			continue
		}
		found = true
		if strings.Contains(g, "(*EventEngine).WaitAndDispatch(") || !strings.Contains(g, "goco.(*TaskScheduler).drain(") {
			return errors.New("task resumed outside a scheduler drain:\n" + g)
		}
	}
	if !found {
		return errors.New("no goroutine is resuming the task")
	}
	return nil
}

func TestWaitAction_ImmediateCompletion(t *testing.T) {
	rt := newTestRuntime(t, 1)
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)
	unix.Write(b, []byte("ready"))

	var (
		d   SuspendDecision
		imm bool
		res IOResult
	)
	tk := runTask(t, rt, time.Second, func(tk *Task) {
		ev := newNetEvent(a, ProtoTCP)
		ev.prepareNet(OpRecv, DirRead, make([]byte, 16), nil)
		w := NewWaitAction(rt.EngineFor(a), ev)
		aw := NewAwaiter[IOResult](tk)
		d = w.Attempt(tk, aw)
		imm = aw.IsImmediatelyReady()
		res, _ = Await(tk, d, aw)
	})
	eventually(t, time.Second, tk.IsDone, "task done")
	if d != NoSuspend || !imm || res.N != 5 {
		t.Fatalf("decision=%s immediate=%v n=%d", d, imm, res.N)
	}
	if tk.Suspends() != 0 {
		t.Fatalf("suspends = %d", tk.Suspends())
	}
}

func TestWaitAction_ReadyAction(t *testing.T) {
	rt := newTestRuntime(t, 1)
	var (
		res IOResult
		err error
	)
	runTask(t, rt, time.Second, func(tk *Task) {
		w := ReadyAction(IOResult{N: 3, Err: ErrTimeout})
		res, err = w.Await(tk)
	})
	if res.N != 3 || !errors.Is(err, ErrTimeout) {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestWaitAction_RegistrationConflictSurfaces(t *testing.T) {
	rt := newTestRuntime(t, 1)
	e := rt.Engine(0)
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	squatter := NewCallbackEvent(a, func(*Event, *EventEngine) {})
	if err := e.Register(squatter); err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(squatter)

	var err error
	tk := runTask(t, rt, time.Second, func(tk *Task) {
		ev := newNetEvent(a, ProtoTCP)
		ev.prepareNet(OpRecv, DirRead, make([]byte, 16), nil)
		w := NewWaitAction(e, ev)
		_, err = w.Await(tk)
	})
	if !errors.Is(err, ErrRegistrationConflict) {
		t.Fatalf("err = %v", err)
	}
	if tk.Suspends() != 0 {
		t.Fatalf("task suspended on a conflicting registration")
	}
}

func TestWaitAction_HardErrorDeliveredOnce(t *testing.T) {
	rt := newTestRuntime(t, 1)
	r, w := pipe(t)
	unix.Close(r)
	defer unix.Close(w)

	var err error
	runTask(t, rt, time.Second, func(tk *Task) {
		f, ferr := rt.NewFile(w)
		if ferr != nil {
			err = ferr
			return
		}
		_, err = f.Write(tk, []byte("x"))
	})
	var ioe *IOError
	if !errors.As(err, &ioe) || !errors.Is(err, unix.EPIPE) {
		t.Fatalf("err = %v", err)
	}
	if ioe.Handle != w {
		t.Fatalf("IOError handle %d, want %d", ioe.Handle, w)
	}
}

func TestSuspendDecisionString(t *testing.T) {
	if NoSuspend.String() != "no-suspend" || Suspend.String() != "suspend" {
		t.Fatalf("%s %s", NoSuspend, Suspend)
	}
}
