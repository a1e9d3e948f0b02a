package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sevir/cadence/pkg/models"
)

func TestMetricsRecordActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.TaskStarted()
	m.TaskStarted()
	m.TaskFinished(models.TaskStatusCompleted, time.Second)
	m.QuestionSettled(models.QuestionSuperseded)
	m.EventEmitted(models.NewProgressEvent("t", "x"))
	m.EventEmitted(models.NewProgressEvent("t", "y"))
	require.NoError(t, m.RecordUsage(context.Background(), "t",
		models.TokenUsage{Prompt: 7, Completion: 3}, models.ToolUsage{"bash": 2}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeTasks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.questionsResolved.WithLabelValues("superseded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsEmitted.WithLabelValues("progress")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.tokens.WithLabelValues("prompt")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("bash")))
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNewMetrics(reg)
	b := MustNewMetrics(reg)

	a.QuestionSettled(models.QuestionAnswered)
	b.QuestionSettled(models.QuestionAnswered)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.questionsResolved.WithLabelValues("answered")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.TaskStarted()
	m.TaskFinished(models.TaskStatusFailed, 0)
	m.QuestionSettled(models.QuestionTimedOut)
	m.EventEmitted(models.CompletionEvent{})
	assert.NoError(t, m.RecordUsage(context.Background(), "t", models.TokenUsage{}, nil))
}

func TestMultiTriesEverySink(t *testing.T) {
	var calls int
	ok := UsageFunc(func(context.Context, string, models.TokenUsage, models.ToolUsage) error {
		calls++
		return nil
	})
	boom := errors.New("exporter down")
	failing := UsageFunc(func(context.Context, string, models.TokenUsage, models.ToolUsage) error {
		calls++
		return boom
	})

	err := Multi{failing, nil, ok}.RecordUsage(context.Background(), "t", models.TokenUsage{}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := LogSink{Logger: zap.New(core)}
	require.NoError(t, s.RecordUsage(context.Background(), "task-1",
		models.TokenUsage{Prompt: 1, Completion: 2, Total: 3}, models.ToolUsage{"grep": 1}))

	entries := logs.FilterMessage("task_event=usage").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "task-1", fields["task_id"])
	assert.Equal(t, int64(3), fields["total_tokens"])

	assert.NoError(t, LogSink{}.RecordUsage(context.Background(), "t", models.TokenUsage{}, nil))
}
