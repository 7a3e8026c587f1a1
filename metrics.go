package goco

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registerer prometheus.Registerer

	registered   *prometheus.GaugeVec
	dispatched   *prometheus.CounterVec
	stale        *prometheus.CounterVec
	handlerPanic *prometheus.CounterVec
	engineErrors *prometheus.CounterVec

	tasks        *prometheus.GaugeVec
	resumes      *prometheus.CounterVec
	suspends     *prometheus.CounterVec
	taskPanic    *prometheus.CounterVec
	timersFired  *prometheus.CounterVec
	timersActive *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg gets a private registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	shard := []string{"shard"}
	sched := []string{"scheduler"}
	m := &Metrics{
		registerer: reg,
		registered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goco", Subsystem: "engine", Name: "registered_events",
			Help: "Events currently registered with an engine shard.",
		}, shard),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goco", Subsystem: "engine", Name: "dispatched_total",
			Help: "Ready notifications dispatched to an event handler.",
		}, shard),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goco", Subsystem: "engine", Name: "stale_total",
			Help: "Ready notifications dropped because the generation no longer matched.",
		}, shard),
		handlerPanic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goco", Subsystem: "engine", Name: "handler_panics_total",
			Help: "Event handlers that panicked and were recovered.",
		}, shard),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goco", Subsystem: "engine", Name: "fatal_errors_total",
			Help: "Reactor wait failures that stopped a shard.",
		}, shard),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goco", Subsystem: "task", Name: "live",
			Help: "Tasks registered with a task scheduler.",
		}, sched),
		resumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goco", Subsystem: "task", Name: "resumes_total",
			Help: "Task resumptions performed by a task scheduler.",
		}, sched),
		suspends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goco", Subsystem: "task", Name: "suspends_total",
			Help: "Task suspensions on a pending event or timer.",
		}, sched),
		taskPanic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goco", Subsystem: "task", Name: "panics_total",
			Help: "Task bodies that panicked.",
		}, sched),
		timersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goco", Subsystem: "timer", Name: "fired_total",
			Help: "Timer callbacks invoked.",
		}, shard),
		timersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goco", Subsystem: "timer", Name: "pending",
			Help: "Timers waiting in a shard heap.",
		}, shard),
	}
	for _, c := range []prometheus.Collector{
		m.registered, m.dispatched, m.stale, m.handlerPanic, m.engineErrors,
		m.tasks, m.resumes, m.suspends, m.taskPanic, m.timersFired, m.timersActive,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func label(id int) string { return strconv.Itoa(id) }

func (m *Metrics) eventRegistered(shard int, delta float64) {
	if m == nil {
		return
	}
	m.registered.WithLabelValues(label(shard)).Add(delta)
}

func (m *Metrics) eventDispatched(shard int) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(label(shard)).Inc()
}

func (m *Metrics) staleDropped(shard int) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(label(shard)).Inc()
}

func (m *Metrics) handlerPanicked(shard int) {
	if m == nil {
		return
	}
	m.handlerPanic.WithLabelValues(label(shard)).Inc()
}

func (m *Metrics) engineFailed(shard int) {
	if m == nil {
		return
	}
	m.engineErrors.WithLabelValues(label(shard)).Inc()
}

func (m *Metrics) taskLive(sched int, delta float64) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(label(sched)).Add(delta)
}

func (m *Metrics) taskResumed(sched int) {
	if m == nil {
		return
	}
	m.resumes.WithLabelValues(label(sched)).Inc()
}

func (m *Metrics) taskSuspended(sched int) {
	if m == nil {
		return
	}
	m.suspends.WithLabelValues(label(sched)).Inc()
}

func (m *Metrics) taskPanicked(sched int) {
	if m == nil {
		return
	}
	m.taskPanic.WithLabelValues(label(sched)).Inc()
}

func (m *Metrics) timerFired(shard int) {
	if m == nil {
		return
	}
	m.timersFired.WithLabelValues(label(shard)).Inc()
}

func (m *Metrics) timersPending(shard, n int) {
	if m == nil {
		return
	}
	m.timersActive.WithLabelValues(label(shard)).Set(float64(n))
}
