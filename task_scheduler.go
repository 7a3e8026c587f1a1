package goco

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/xid"
)

type taskAction uint8

const (
	actResume taskAction = iota
	actDestroy
)

type taskRequest struct {
	id  xid.ID
	act taskAction
}

// TaskScheduler owns a set of Tasks and runs them one at a time on its loop
// goroutine. Resume and Destroy may be requested from any goroutine; they
// go through a FIFO and are executed by the loop, never inline.
type TaskScheduler struct {
	noCopy

	id int
	rt *Runtime

	mtx   sync.Mutex
	q     *queue.Queue // of taskRequest
	tasks map[xid.ID]*Task
	wake  chan struct{}

	pollInterval time.Duration
	started      atomic.Bool
	stopped      atomic.Bool
	done         chan struct{}

	log     *Log
	metrics *Metrics
}

// NewTaskScheduler creates a standalone scheduler. Runtime creates its own.
func NewTaskScheduler(id int, pollInterval time.Duration, log *Log, metrics *Metrics) *TaskScheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Millisecond
	}
	return &TaskScheduler{
		id:           id,
		q:            queue.New(),
		tasks:        make(map[xid.ID]*Task, 256),
		wake:         make(chan struct{}, 1),
		pollInterval: pollInterval,
		done:         make(chan struct{}),
		log:          log,
		metrics:      metrics,
	}
}

func (ts *TaskScheduler) ID() int { return ts.id }

// Spawn registers a Task running fn and queues its first Resume
func (ts *TaskScheduler) Spawn(fn TaskFunc) (*Task, error) {
	if fn == nil {
		return nil, ErrInvalidParams
	}
	if ts.stopped.Load() {
		return nil, ErrSchedulerStopped
	}
	t := newTask(ts, fn)
	ts.mtx.Lock()
	ts.tasks[t.id] = t
	ts.q.Add(taskRequest{id: t.id, act: actResume})
	ts.mtx.Unlock()
	ts.metrics.taskLive(ts.id, 1)
	ts.signal()
	return t, nil
}

// Resume queues a resumption of t. Thread-safe.
func (ts *TaskScheduler) Resume(t *Task) {
	ts.push(t.id, actResume)
}

// Destroy queues the teardown of t. A suspended Task drops its pending
// Event before unwinding. Thread-safe.
func (ts *TaskScheduler) Destroy(t *Task) {
	ts.push(t.id, actDestroy)
}

func (ts *TaskScheduler) push(id xid.ID, act taskAction) {
	ts.mtx.Lock()
	ts.q.Add(taskRequest{id: id, act: act})
	ts.mtx.Unlock()
	ts.signal()
}

func (ts *TaskScheduler) signal() {
	select {
	case ts.wake <- struct{}{}:
	default:
	}
}

// Len is the number of live tasks
func (ts *TaskScheduler) Len() int {
	ts.mtx.Lock()
	defer ts.mtx.Unlock()
	return len(ts.tasks)
}

// WaitForAllDone polls until no task is alive or timeout elapses
func (ts *TaskScheduler) WaitForAllDone(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if ts.Len() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// Start runs the loop on a new goroutine. Repeated calls are no-ops.
func (ts *TaskScheduler) Start() {
	if !ts.started.CompareAndSwap(false, true) {
		return
	}
	go ts.loop()
}

// Stop only flags the loop and wakes it. Idempotent.
func (ts *TaskScheduler) Stop() {
	ts.stopped.Store(true)
	ts.signal()
}

// Wait blocks until the loop has exited
func (ts *TaskScheduler) Wait() {
	if ts.started.Load() {
		<-ts.done
	}
}

func (ts *TaskScheduler) loop() {
	defer close(ts.done)

	ticker := time.NewTicker(ts.pollInterval)
	defer ticker.Stop()
	for !ts.stopped.Load() {
		ts.drain()
		select {
		case <-ts.wake:
		case <-ticker.C:
		}
	}
	ts.destroyAll()
}

func (ts *TaskScheduler) pop() (taskRequest, *Task, bool) {
	ts.mtx.Lock()
	defer ts.mtx.Unlock()
	if ts.q.Length() == 0 {
		return taskRequest{}, nil, false
	}
	req := ts.q.Remove().(taskRequest)
	t := ts.tasks[req.id]
	if req.act == actDestroy && t != nil {
		delete(ts.tasks, req.id)
	}
	return req, t, true
}

func (ts *TaskScheduler) drain() {
	for !ts.stopped.Load() {
		req, t, ok := ts.pop()
		if !ok {
			return
		}
		if t == nil {
			continue // finished or destroyed earlier
		}
		switch req.act {
		case actDestroy:
			t.teardown()
			ts.metrics.taskLive(ts.id, -1)
		case actResume:
			t.Resume()
			if t.IsDone() {
				ts.remove(t)
			}
		}
	}
}

func (ts *TaskScheduler) remove(t *Task) {
	ts.mtx.Lock()
	_, ok := ts.tasks[t.id]
	delete(ts.tasks, t.id)
	ts.mtx.Unlock()
	if ok {
		ts.metrics.taskLive(ts.id, -1)
	}
}

func (ts *TaskScheduler) destroyAll() {
	ts.mtx.Lock()
	all := make([]*Task, 0, len(ts.tasks))
	for _, t := range ts.tasks {
		all = append(all, t)
	}
	ts.tasks = make(map[xid.ID]*Task)
	for ts.q.Length() > 0 {
		ts.q.Remove()
	}
	ts.mtx.Unlock()

	for _, t := range all {
		t.teardown()
	}
	ts.metrics.taskLive(ts.id, -float64(len(all)))
	if len(all) > 0 {
		ts.log.Info("task scheduler#%d destroyed %d tasks on stop", ts.id, len(all))
	}
}
