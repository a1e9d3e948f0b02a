// Package telemetry records task activity. Nothing here may affect result
// delivery.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sevir/cadence/pkg/models"
)

const namespace = "cadence"

// Metrics exposes Prometheus collectors for coordinator activity.
type Metrics struct {
	tasksFinished     *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	questionsResolved *prometheus.CounterVec
	eventsEmitted     *prometheus.CounterVec
	tokens            *prometheus.CounterVec
	toolCalls         *prometheus.CounterVec
	activeTasks       prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same names.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time from task start to terminal state.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"status"}),
		questionsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_resolved_total",
			Help:      "Questions by final state.",
		}, []string{"outcome"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Completion events delivered to consumers.",
		}, []string{"kind"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Model tokens reported by finished tasks.",
		}, []string{"kind"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations reported by finished tasks.",
		}, []string{"tool"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Tasks currently running or waiting for an answer.",
		}),
	}

	m.tasksFinished = register(reg, m.tasksFinished)
	m.taskDuration = register(reg, m.taskDuration)
	m.questionsResolved = register(reg, m.questionsResolved)
	m.eventsEmitted = register(reg, m.eventsEmitted)
	m.tokens = register(reg, m.tokens)
	m.toolCalls = register(reg, m.toolCalls)
	m.activeTasks = register(reg, m.activeTasks)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// TaskStarted increments the active gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.activeTasks.Inc()
}

// TaskFinished records a terminal state.
func (m *Metrics) TaskFinished(status models.TaskStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeTasks.Dec()
	m.tasksFinished.WithLabelValues(string(status)).Inc()
	m.taskDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// QuestionSettled records how a question ended.
func (m *Metrics) QuestionSettled(state models.QuestionState) {
	if m == nil {
		return
	}
	m.questionsResolved.WithLabelValues(string(state)).Inc()
}

// EventEmitted counts a delivered event.
func (m *Metrics) EventEmitted(ev models.CompletionEvent) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(string(ev.Kind)).Inc()
}

// RecordUsage implements UsageSink.
func (m *Metrics) RecordUsage(_ context.Context, _ string, tokens models.TokenUsage, tools models.ToolUsage) error {
	if m == nil {
		return nil
	}
	m.tokens.WithLabelValues("prompt").Add(float64(tokens.Prompt))
	m.tokens.WithLabelValues("completion").Add(float64(tokens.Completion))
	for name, n := range tools {
		m.toolCalls.WithLabelValues(name).Add(float64(n))
	}
	return nil
}
