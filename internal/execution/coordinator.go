package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sevir/cadence/internal/engine"
	"github.com/sevir/cadence/internal/sink"
	"github.com/sevir/cadence/internal/telemetry"
	"github.com/sevir/cadence/pkg/models"
)

// ErrCancelled is the cause recorded for tasks stopped before a result.
var ErrCancelled = errors.New("task cancelled")

// Questions is the part of the question coordinator a task needs.
type Questions interface {
	Ask(ctx context.Context, taskID, prompt string, kind models.QuestionKind, suggestions []string) (models.Answer, error)
	CancelTask(taskID, reason string) bool
}

// Recorder receives a snapshot of the task after every state change.
type Recorder interface {
	RecordTask(task *models.Task)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(task *models.Task)

// RecordTask implements Recorder.
func (f RecorderFunc) RecordTask(task *models.Task) { f(task) }

// Coordinator owns one task. It turns engine signals into completion
// events, routes asks to the question coordinator and guarantees exactly
// one final event carrying the engine's real result.
type Coordinator struct {
	cfg       Config
	sink      sink.StreamSink
	questions Questions
	usage     telemetry.UsageSink
	recorder  Recorder
	metrics   *telemetry.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	limiter   *rate.Limiter

	mu            sync.Mutex
	task          *models.Task
	cancel        context.CancelCauseFunc
	pendingCancel error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets chunking, pacing and disconnect behaviour.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithUsageSink sets where usage counters go when the task completes.
func WithUsageSink(s telemetry.UsageSink) Option {
	return func(c *Coordinator) { c.usage = s }
}

// WithRecorder sets the snapshot receiver.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer used for task spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New takes ownership of task and binds it to a sink and a question
// coordinator. The task enters Running.
func New(task *models.Task, s sink.StreamSink, q Questions, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       DefaultConfig(),
		sink:      s,
		questions: q,
		logger:    zap.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("execution"),
		task:      task,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.normalized()
	if c.cfg.ChunkInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(c.cfg.ChunkInterval), 1)
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	c.logger = c.logger.With(zap.String("task_id", task.ID))
	return c
}

// Task returns a snapshot of the task record.
func (c *Coordinator) Task() *models.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task.Clone()
}

// Start consumes the engine until the task reaches a terminal state. It
// returns nil when the task completed, otherwise the failure or
// cancellation cause. The engine is closed before Start returns.
func (c *Coordinator) Start(ctx context.Context, eng engine.Engine) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	c.cancel = cancel
	if c.pendingCancel != nil {
		cancel(c.pendingCancel)
	}
	taskID := c.task.ID
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.engine", c.Task().Engine),
	))
	defer span.End()

	defer func() { _ = eng.Close() }()

	c.metrics.TaskStarted()
	c.record()
	c.logger.Info("task_event=started", zap.String("engine", c.Task().Engine))

	if c.cfg.Disconnect == DisconnectAbort {
		go c.abortOnDisconnect(ctx)
	}

	err := c.loop(ctx, eng)

	final := c.Task()
	span.SetAttributes(
		attribute.String("task.status", string(final.Status)),
		attribute.Int64("task.tokens", final.TokenUsage.Total),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Coordinator) loop(ctx context.Context, eng engine.Engine) error {
	for {
		if ctx.Err() != nil {
			return c.onCancelled(ctx)
		}
		sig, err := eng.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.onCancelled(ctx)
			}
			return c.OnEngineFailure(ctx, err)
		}

		switch sig.Kind {
		case engine.SignalProgress:
			c.OnEngineProgress(ctx, sig.Text)
		case engine.SignalUsage:
			c.OnEngineUsage(sig.TokenUsage, sig.ToolUsage)
		case engine.SignalAsk:
			answer, askErr := c.OnEngineAskRequest(ctx, sig.Text, sig.QuestionKind, sig.Suggestions)
			if ctx.Err() != nil {
				return c.onCancelled(ctx)
			}
			if err := eng.Reply(ctx, engine.Reply{Answer: answer, Err: askErr}); err != nil {
				if ctx.Err() != nil {
					return c.onCancelled(ctx)
				}
				return c.OnEngineFailure(ctx, fmt.Errorf("resume engine: %w", err))
			}
		case engine.SignalFinal:
			return c.OnEngineFinalResult(ctx, sig.Text, sig.TokenUsage, sig.ToolUsage)
		case engine.SignalFailure:
			return c.OnEngineFailure(ctx, sig.Err)
		default:
			c.logger.Warn("unknown engine signal", zap.String("kind", string(sig.Kind)))
		}
	}
}

// Cancel stops the task. The pending question, if any, is cancelled and
// the consumer receives an error-typed final event.
func (c *Coordinator) Cancel(reason string) {
	cause := fmt.Errorf("%w: %s", ErrCancelled, reason)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		c.pendingCancel = cause
		return
	}
	c.cancel(cause)
}

func (c *Coordinator) abortOnDisconnect(ctx context.Context) {
	select {
	case <-c.sink.Done():
	case <-ctx.Done():
		return
	}
	c.mu.Lock()
	settled := c.task.CompletionEmitted || c.task.IsTerminal()
	c.mu.Unlock()
	if !settled {
		c.logger.Info("consumer left, aborting task")
		c.Cancel("consumer disconnected")
	}
}

// OnEngineProgress forwards partial output. It never ends the stream.
func (c *Coordinator) OnEngineProgress(ctx context.Context, text string) {
	if c.settled() {
		c.logger.Debug("progress after completion dropped")
		return
	}
	c.emit(ctx, models.NewProgressEvent(c.task.ID, text))
}

// OnEngineUsage adds usage increments reported mid-run.
func (c *Coordinator) OnEngineUsage(tokens models.TokenUsage, tools models.ToolUsage) {
	c.mu.Lock()
	c.task.Accumulate(tokens, tools)
	c.mu.Unlock()
}

// OnEngineAskRequest blocks the task on a question. The task is
// WaitingForAnswer until the question settles.
func (c *Coordinator) OnEngineAskRequest(ctx context.Context, prompt string, kind models.QuestionKind, suggestions []string) (models.Answer, error) {
	c.transition(models.TaskStatusRunning, models.TaskStatusWaitingForAnswer)
	c.logger.Info("task_event=waiting", zap.String("kind", string(kind)))

	answer, err := c.questions.Ask(ctx, c.task.ID, prompt, kind, suggestions)

	c.transition(models.TaskStatusWaitingForAnswer, models.TaskStatusRunning)
	if err != nil {
		c.logger.Info("task_event=resumed", zap.String("question_id", answer.QuestionID), zap.NamedError("unanswered", err))
	} else {
		c.logger.Info("task_event=resumed", zap.String("question_id", answer.QuestionID))
	}
	return answer, err
}

// OnEngineFinalResult delivers the result. Only the first call per task
// has any effect.
func (c *Coordinator) OnEngineFinalResult(ctx context.Context, result string, tokens models.TokenUsage, tools models.ToolUsage) error {
	c.mu.Lock()
	if c.task.CompletionEmitted || c.task.IsTerminal() {
		c.mu.Unlock()
		c.logger.Debug("duplicate completion ignored")
		return nil
	}
	c.task.CompletionEmitted = true
	c.task.Status = models.TaskStatusCompleting
	c.task.Accumulate(tokens, tools)
	totals := c.task.TokenUsage
	toolTotals := c.task.ToolUsage.Clone()
	c.mu.Unlock()
	c.record()

	// The final event must go out even when ctx is already cancelled.
	dctx := context.WithoutCancel(ctx)

	c.reportUsage(dctx, totals, toolTotals)
	if !totals.IsZero() || len(toolTotals) > 0 {
		c.emit(dctx, models.NewUsageEvent(c.task.ID, totals, toolTotals))
	}
	c.deliverResult(dctx, result, totals, toolTotals)

	c.finish(models.TaskStatusCompleted, result, "")
	c.logger.Info("task_event=completed",
		zap.Int("result_len", len(result)),
		zap.Int64("total_tokens", totals.Total),
		zap.Int64("tool_calls", toolTotals.Calls()))
	return nil
}

// OnEngineFailure ends the task as Failed with an error-typed final event.
func (c *Coordinator) OnEngineFailure(ctx context.Context, err error) error {
	if err == nil {
		err = errors.New("engine failed without an error")
	}
	if !c.claimTerminal() {
		return nil
	}
	c.questions.CancelTask(c.task.ID, "task failed")
	c.emitTerminal(context.WithoutCancel(ctx), models.NewErrorEvent(c.task.ID, err))
	c.finish(models.TaskStatusFailed, "", err.Error())
	c.logger.Warn("task_event=failed", zap.Error(err))
	return fmt.Errorf("task %s failed: %w", c.task.ID, err)
}

func (c *Coordinator) onCancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if !errors.Is(cause, ErrCancelled) {
		cause = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	if !c.claimTerminal() {
		return nil
	}
	c.questions.CancelTask(c.task.ID, cause.Error())
	c.emitTerminal(context.WithoutCancel(ctx), models.NewErrorEvent(c.task.ID, cause))
	c.finish(models.TaskStatusCancelled, "", cause.Error())
	c.logger.Info("task_event=cancelled", zap.Error(cause))
	return cause
}

// claimTerminal sets the completion flag for the failure paths. It reports
// false when a final event was already produced.
func (c *Coordinator) claimTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task.CompletionEmitted || c.task.IsTerminal() {
		return false
	}
	c.task.CompletionEmitted = true
	return true
}

func (c *Coordinator) settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task.CompletionEmitted || c.task.IsTerminal()
}

func (c *Coordinator) reportUsage(ctx context.Context, tokens models.TokenUsage, tools models.ToolUsage) {
	if c.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TelemetryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("usage telemetry panicked", zap.Any("panic", r))
		}
	}()
	if err := c.usage.RecordUsage(ctx, c.task.ID, tokens, tools); err != nil {
		c.logger.Warn("usage telemetry failed", zap.Error(err))
	}
}

func (c *Coordinator) deliverResult(ctx context.Context, result string, tokens models.TokenUsage, tools models.ToolUsage) {
	if c.cfg.ChunkThreshold <= 0 || len(result) <= c.cfg.ChunkThreshold {
		c.emitTerminal(ctx, models.NewFinalEvent(c.task.ID, result, tokens, tools, nil))
		return
	}

	pieces := splitResult(result, c.cfg.ChunkSize, c.cfg.MaxChunks)
	total := len(pieces)
	c.logger.Debug("result chunked", zap.Int("bytes", len(result)), zap.Int("chunks", total))
	for i, piece := range pieces[:total-1] {
		c.pace(ctx)
		c.emit(ctx, models.NewChunkEvent(c.task.ID, piece, i, total))
	}
	c.pace(ctx)
	c.emitTerminal(ctx, models.NewFinalEvent(c.task.ID, pieces[total-1], tokens, tools,
		&models.ChunkInfo{Index: total - 1, Total: total}))
}

func (c *Coordinator) pace(ctx context.Context) {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.sink.Done():
		return
	default:
	}
	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Debug("chunk pacing interrupted", zap.Error(err))
	}
}

func (c *Coordinator) emit(ctx context.Context, ev models.CompletionEvent) {
	if err := c.sink.Emit(ctx, ev); err != nil {
		c.logger.Warn("emit failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// emitTerminal sends a final event. If the sink could not take it, or had
// already stopped delivering, the sink is closed here instead of by its
// grace timer.
func (c *Coordinator) emitTerminal(ctx context.Context, ev models.CompletionEvent) {
	if err := c.sink.Emit(ctx, ev); err != nil {
		c.logger.Warn("final emit failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		_ = c.sink.Close()
		return
	}
	select {
	case <-c.sink.Done():
		_ = c.sink.Close()
	default:
	}
}

func (c *Coordinator) transition(from, to models.TaskStatus) {
	c.mu.Lock()
	changed := c.task.Status == from
	if changed {
		c.task.Status = to
	}
	c.mu.Unlock()
	if changed {
		c.record()
	}
}

func (c *Coordinator) finish(status models.TaskStatus, result, errMsg string) {
	now := time.Now()
	c.mu.Lock()
	c.task.Status = status
	c.task.Result = result
	c.task.Error = errMsg
	c.task.CompletedAt = &now
	var elapsed time.Duration
	if c.task.StartedAt != nil {
		elapsed = now.Sub(*c.task.StartedAt)
	}
	c.mu.Unlock()
	c.metrics.TaskFinished(status, elapsed)
	c.record()
}

func (c *Coordinator) record() {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordTask(c.Task())
}
