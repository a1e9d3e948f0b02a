// Package handler binds a consumer context to a task. Every variant
// composes the same StreamSink, question coordinator and execution
// coordinator; they differ only in the transport and in how answers
// arrive.
package handler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sevir/cadence/internal/engine"
	"github.com/sevir/cadence/internal/execution"
	"github.com/sevir/cadence/internal/question"
	"github.com/sevir/cadence/internal/sink"
	"github.com/sevir/cadence/internal/telemetry"
	"github.com/sevir/cadence/pkg/models"
)

// ExecutionHandler is what the orchestrator holds for a running task. A
// handler is bound to exactly one task.
type ExecutionHandler interface {
	TaskID() string
	// Run drives eng until the task is terminal. It is called once.
	Run(ctx context.Context, eng engine.Engine) error

	// OnTaskProgress delivers partial output without blocking on the
	// consumer's reaction.
	OnTaskProgress(ctx context.Context, text string)
	// OnTaskCompleted delivers result unchanged. Calls after the first
	// are no-ops.
	OnTaskCompleted(ctx context.Context, result string, tokens models.TokenUsage, tools models.ToolUsage) error
	// OnQuestion presents q and returns the handle its answer resolves.
	OnQuestion(ctx context.Context, q *models.Question) (question.Handle, error)

	Answer(questionID, text string) error
	AnswerPending(text string) (string, error)
	CancelQuestion(questionID, reason string) error
	Pending() (*models.Question, bool)
	Cancel(reason string)
	Disconnect()

	Task() *models.Task
	Done() <-chan struct{}
	Closed() <-chan struct{}
}

// Deps are the shared collaborators of every handler.
type Deps struct {
	Execution       execution.Config
	QuestionTimeout time.Duration
	CloseGrace      time.Duration
	SinkBuffer      int
	Usage           telemetry.UsageSink
	Recorder        execution.Recorder
	Metrics         *telemetry.Metrics
	Ledger          question.Ledger
	Logger          *zap.Logger
	Tracer          trace.Tracer
}

// Base is the handler shared by all consumer contexts.
type Base struct {
	taskID    string
	stream    *sink.Stream
	collector *question.ResolverCollector
	questions *question.Coordinator
	exec      *execution.Coordinator
	logger    *zap.Logger

	mu        sync.Mutex
	current   *models.Question
	handle    question.Handle
	onPresent func(ctx context.Context, q *models.Question, h question.Handle)

	doneOnce sync.Once
	done     chan struct{}
}

var _ ExecutionHandler = (*Base)(nil)

// NewBase binds task to an arbitrary transport.
func NewBase(task *models.Task, tr sink.Transport, deps Deps) *Base {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Base{
		taskID: task.ID,
		logger: logger.With(zap.String("task_id", task.ID)),
		done:   make(chan struct{}),
	}

	streamOpts := []sink.Option{sink.WithLogger(logger), sink.WithEmitHook(deps.Metrics.EventEmitted)}
	if deps.CloseGrace > 0 {
		streamOpts = append(streamOpts, sink.WithGrace(deps.CloseGrace))
	}
	b.stream = sink.NewStream(task.ID, tr, streamOpts...)

	b.collector = question.NewResolverCollector()
	b.questions = question.NewCoordinator(question.PresenterFunc(b.present), b.collector,
		question.WithTimeout(deps.QuestionTimeout),
		question.WithLedger(deps.Ledger),
		question.WithLogger(logger),
		question.WithTracer(deps.Tracer),
		question.WithSettleHook(deps.Metrics.QuestionSettled),
	)

	cfg := deps.Execution
	if cfg == (execution.Config{}) {
		cfg = execution.DefaultConfig()
	}
	opts := []execution.Option{
		execution.WithConfig(cfg),
		execution.WithMetrics(deps.Metrics),
		execution.WithLogger(logger),
		execution.WithTracer(deps.Tracer),
	}
	if deps.Usage != nil {
		opts = append(opts, execution.WithUsageSink(deps.Usage))
	}
	if deps.Recorder != nil {
		opts = append(opts, execution.WithRecorder(deps.Recorder))
	}
	b.exec = execution.New(task, b.stream, b.questions, opts...)
	return b
}

// TaskID implements ExecutionHandler.
func (b *Base) TaskID() string { return b.taskID }

// Run implements ExecutionHandler.
func (b *Base) Run(ctx context.Context, eng engine.Engine) error {
	defer b.doneOnce.Do(func() { close(b.done) })
	return b.exec.Start(ctx, eng)
}

// OnTaskProgress implements ExecutionHandler.
func (b *Base) OnTaskProgress(ctx context.Context, text string) {
	b.exec.OnEngineProgress(ctx, text)
}

// OnTaskCompleted implements ExecutionHandler.
func (b *Base) OnTaskCompleted(ctx context.Context, result string, tokens models.TokenUsage, tools models.ToolUsage) error {
	return b.exec.OnEngineFinalResult(ctx, result, tokens, tools)
}

func (b *Base) present(ctx context.Context, q *models.Question) error {
	_, err := b.OnQuestion(ctx, q)
	return err
}

// OnQuestion implements ExecutionHandler. The question event goes out on
// the task's stream; a stream that cannot deliver it is reported but the
// question stays open for other answer routes.
func (b *Base) OnQuestion(ctx context.Context, q *models.Question) (question.Handle, error) {
	h := question.NewHandle(q, b.collector)
	b.mu.Lock()
	b.current = q.Snapshot()
	b.handle = h
	hook := b.onPresent
	b.mu.Unlock()

	err := b.stream.Emit(ctx, models.NewQuestionEvent(q))
	if hook != nil {
		hook(ctx, q, h)
	}
	return h, err
}

// Current returns the last presented question and its handle while that
// question is still pending.
func (b *Base) Current() (*models.Question, question.Handle, bool) {
	pending, ok := b.questions.GetPending(b.taskID)
	if !ok {
		return nil, question.Handle{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.ID != pending.ID {
		return pending, question.NewHandle(pending, b.collector), true
	}
	return b.current.Snapshot(), b.handle, true
}

// Answer implements ExecutionHandler.
func (b *Base) Answer(questionID, text string) error {
	if questionID == "" {
		_, err := b.AnswerPending(text)
		return err
	}
	return b.questions.Answer(questionID, text)
}

// AnswerPending implements ExecutionHandler.
func (b *Base) AnswerPending(text string) (string, error) {
	return b.questions.AnswerPending(b.taskID, text)
}

// CancelQuestion implements ExecutionHandler. An empty id targets the
// pending question.
func (b *Base) CancelQuestion(questionID, reason string) error {
	if questionID == "" {
		q, ok := b.questions.GetPending(b.taskID)
		if !ok {
			return question.ErrNotFound
		}
		questionID = q.ID
	}
	return b.questions.Cancel(questionID, reason)
}

// Pending implements ExecutionHandler.
func (b *Base) Pending() (*models.Question, bool) {
	return b.questions.GetPending(b.taskID)
}

// Cancel implements ExecutionHandler.
func (b *Base) Cancel(reason string) {
	b.exec.Cancel(reason)
}

// Disconnect implements ExecutionHandler. What happens to the task
// depends on the disconnect policy.
func (b *Base) Disconnect() {
	b.stream.Disconnect()
}

// Task implements ExecutionHandler.
func (b *Base) Task() *models.Task {
	return b.exec.Task()
}

// Done implements ExecutionHandler. It is closed when Run returns.
func (b *Base) Done() <-chan struct{} {
	return b.done
}

// Closed implements ExecutionHandler. It is closed when the stream stops
// delivering.
func (b *Base) Closed() <-chan struct{} {
	return b.stream.Done()
}

// Stream exposes the task's sink.
func (b *Base) Stream() *sink.Stream {
	return b.stream
}
