package goco

// SuspendDecision is the outcome of WaitAction.Attempt
type SuspendDecision uint8

const (
	// NoSuspend: the Awaiter already holds the result
	NoSuspend SuspendDecision = iota
	// Suspend: an Event is armed and will complete the Awaiter
	Suspend
)

func (d SuspendDecision) String() string {
	if d == Suspend {
		return "suspend"
	}
	return "no-suspend"
}

// WaitAction decides, for one non-blocking operation, whether the calling
// Task can go on or must suspend until its Event reports readiness.
type WaitAction struct {
	engine *EventEngine
	ev     *Event
	preset IOResult
	arm    func(aw *Awaiter[IOResult]) SuspendDecision
}

// NewWaitAction binds ev to the engine that must own it
func NewWaitAction(e *EventEngine, ev *Event) WaitAction {
	return WaitAction{engine: e, ev: ev}
}

// ReadyAction never suspends and yields res
func ReadyAction(res IOResult) WaitAction {
	return WaitAction{preset: res}
}

// CallbackAction runs arm instead of an Event attempt. arm either writes
// the Awaiter and returns NoSuspend, or hands it to a completion source
// (a timer, a WaitGroup) and returns Suspend.
func CallbackAction(arm func(aw *Awaiter[IOResult]) SuspendDecision) WaitAction {
	return WaitAction{arm: arm}
}

// Attempt performs the operation once. On would-block it binds t and aw to
// the Event and arms it (Register if unowned, Modify if already owned by
// the engine). A failure to arm is stored as the result, so a
// registration conflict surfaces to the task as an error.
func (w *WaitAction) Attempt(t *Task, aw *Awaiter[IOResult]) SuspendDecision {
	if w.arm != nil {
		d := w.arm(aw)
		if d == NoSuspend {
			aw.setImmediate()
		}
		return d
	}
	if w.ev == nil {
		aw.SetResult(w.preset, w.preset.Err)
		aw.setImmediate()
		return NoSuspend
	}

	ev := w.ev
	ev.mu.Lock()
	res, wouldBlock := ev.attempt()
	if !wouldBlock {
		ev.mu.Unlock()
		aw.SetResult(res, res.Err)
		aw.setImmediate()
		return NoSuspend
	}
	ev.bind(t, aw)
	var err error
	if w.engine == nil {
		err = ErrRuntimeStopped
	} else if ev.owner.Load() == int32(w.engine.id) {
		err = w.engine.Modify(ev)
	} else {
		err = w.engine.Register(ev)
	}
	if err != nil {
		ev.bind(nil, nil)
		ev.mu.Unlock()
		aw.SetResult(IOResult{Err: err}, err)
		aw.setImmediate()
		return NoSuspend
	}
	ev.mu.Unlock()
	return Suspend
}

// Await runs Attempt and suspends t if needed
func (w *WaitAction) Await(t *Task) (IOResult, error) {
	aw := NewAwaiter[IOResult](t)
	return w.awaitWith(t, aw)
}

func (w *WaitAction) awaitWith(t *Task, aw *Awaiter[IOResult]) (IOResult, error) {
	if w.Attempt(t, aw) == Suspend {
		if w.ev != nil {
			t.pendingEv, t.pendingEngine = w.ev, w.engine
		}
		t.suspend()
	}
	return aw.Result()
}
