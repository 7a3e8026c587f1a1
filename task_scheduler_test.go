package goco

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestScheduler(t *testing.T, m *Metrics) *TaskScheduler {
	t.Helper()
	ts := NewTaskScheduler(0, time.Millisecond, NullLog(), m)
	t.Cleanup(func() {
		ts.Stop()
		ts.Wait()
	})
	return ts
}

// parkAction suspends the task and publishes the Awaiter so the test
// can complete it from the outside
func parkAction(awCh chan<- *Awaiter[IOResult]) WaitAction {
	return CallbackAction(func(aw *Awaiter[IOResult]) SuspendDecision {
		awCh <- aw
		return Suspend
	})
}

func TestTaskScheduler_SpawnResume(t *testing.T) {
	m, _ := NewMetrics(nil)
	ts := newTestScheduler(t, m)
	ts.Start()

	awCh := make(chan *Awaiter[IOResult], 1)
	got := make(chan IOResult, 1)
	tk, err := ts.Spawn(func(tk *Task) {
		w := parkAction(awCh)
		res, _ := w.Await(tk)
		got <- res
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	aw := <-awCh
	eventually(t, time.Second, func() bool { return tk.State() == TaskSuspended }, "suspension")
	if aw.Task() != tk || aw.Ready() {
		t.Fatalf("awaiter task=%v ready=%v", aw.Task() == tk, aw.Ready())
	}
	if !aw.complete(IOResult{N: 7}, nil) {
		t.Fatalf("first complete lost")
	}
	if aw.complete(IOResult{N: 8}, nil) {
		t.Fatalf("second complete won")
	}
	select {
	case res := <-got:
		if res.N != 7 {
			t.Fatalf("result N = %d", res.N)
		}
	case <-time.After(time.Second):
		t.Fatal("task not resumed")
	}
	eventually(t, time.Second, func() bool { return ts.Len() == 0 }, "task removal")
	if !tk.IsDone() || tk.Resumes() != 2 || tk.Suspends() != 1 {
		t.Fatalf("state=%s resumes=%d suspends=%d", tk.State(), tk.Resumes(), tk.Suspends())
	}
	if got := testutil.ToFloat64(m.tasks.WithLabelValues("0")); got != 0 {
		t.Fatalf("live tasks gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.resumes.WithLabelValues("0")); got != 2 {
		t.Fatalf("resumes counter = %v", got)
	}

	// a resume for a finished task is dropped
	ts.Resume(tk)
	time.Sleep(5 * time.Millisecond)
	if tk.Resumes() != 2 {
		t.Fatalf("finished task resumed")
	}
}

func TestTaskScheduler_RunsInSpawnOrder(t *testing.T) {
	ts := newTestScheduler(t, nil)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		if _, err := ts.Spawn(func(*Task) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatal(err)
		}
	}
	ts.Start()
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("order %v", order)
		}
	}
}

func TestTaskScheduler_DestroyCreated(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ran := false
	exited := make(chan struct{})
	tk, err := ts.Spawn(func(*Task) { ran = true })
	if err != nil {
		t.Fatal(err)
	}
	tk.Defer(func() { close(exited) })
	ts.Destroy(tk)
	ts.Start()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("exit callback of a destroyed task did not run")
	}
	eventually(t, time.Second, func() bool { return ts.Len() == 0 }, "task removal")
	if ran || !tk.IsDone() {
		t.Fatalf("ran=%v state=%s", ran, tk.State())
	}
}

func TestTaskScheduler_DestroySuspended(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ts.Start()

	awCh := make(chan *Awaiter[IOResult], 1)
	var mu sync.Mutex
	var exits []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			exits = append(exits, s)
			mu.Unlock()
		}
	}
	resumed := false
	tk, err := ts.Spawn(func(tk *Task) {
		tk.Defer(record("first"))
		tk.Defer(record("second"))
		w := parkAction(awCh)
		w.Await(tk)
		resumed = true
	})
	if err != nil {
		t.Fatal(err)
	}
	aw := <-awCh
	eventually(t, time.Second, func() bool { return tk.State() == TaskSuspended }, "suspension")
	ts.Destroy(tk)
	eventually(t, time.Second, tk.IsDone, "teardown")
	if resumed {
		t.Fatalf("destroyed task continued its body")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(exits) != 2 || exits[0] != "second" || exits[1] != "first" {
		t.Fatalf("exit callbacks %v, want LIFO", exits)
	}
	// completing after teardown must not resurrect it
	aw.complete(IOResult{}, nil)
	time.Sleep(5 * time.Millisecond)
	if ts.Len() != 0 || tk.Resumes() != 1 {
		t.Fatalf("len=%d resumes=%d", ts.Len(), tk.Resumes())
	}
}

func TestTaskScheduler_PanicIsContained(t *testing.T) {
	m, _ := NewMetrics(nil)
	ts := newTestScheduler(t, m)
	ts.Start()

	exited := make(chan struct{})
	tk, err := ts.Spawn(func(tk *Task) {
		tk.Defer(func() { close(exited) })
		panic("task body")
	})
	if err != nil {
		t.Fatal(err)
	}
	<-exited
	eventually(t, time.Second, tk.IsDone, "done")
	if tk.Panic() != "task body" {
		t.Fatalf("Panic = %v", tk.Panic())
	}
	if got := testutil.ToFloat64(m.taskPanic.WithLabelValues("0")); got != 1 {
		t.Fatalf("panic counter = %v", got)
	}
	done := make(chan struct{})
	if _, err = ts.Spawn(func(*Task) { close(done) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler stuck after a task panic")
	}
}

func TestTaskScheduler_StopDestroysRemaining(t *testing.T) {
	ts := NewTaskScheduler(1, time.Millisecond, NullLog(), nil)
	ts.Start()

	const n = 5
	awCh := make(chan *Awaiter[IOResult], n)
	var mu sync.Mutex
	exited := 0
	for i := 0; i < n; i++ {
		if _, err := ts.Spawn(func(tk *Task) {
			tk.Defer(func() {
				mu.Lock()
				exited++
				mu.Unlock()
			})
			w := parkAction(awCh)
			w.Await(tk)
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < n; i++ {
		<-awCh
	}
	if ts.WaitForAllDone(20 * time.Millisecond) {
		t.Fatalf("WaitForAllDone true with suspended tasks")
	}
	ts.Stop()
	ts.Stop()
	ts.Wait()

	mu.Lock()
	defer mu.Unlock()
	if exited != n || ts.Len() != 0 {
		t.Fatalf("exited=%d len=%d", exited, ts.Len())
	}
	if _, err := ts.Spawn(func(*Task) {}); !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("Spawn after Stop = %v", err)
	}
	if !ts.WaitForAllDone(time.Millisecond) {
		t.Fatalf("WaitForAllDone false after Stop")
	}
}

func TestTaskScheduler_SpawnNil(t *testing.T) {
	ts := newTestScheduler(t, nil)
	if _, err := ts.Spawn(nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("Spawn(nil) = %v", err)
	}
}
