package question

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

	"github.com/sevir/cadence/pkg/models"
)

// Coordinator owns the in-flight questions of its tasks. At most one
// question per task is pending; asking again supersedes the older one.
type Coordinator struct {
	presenter Presenter
	collector Collector
	ledger    Ledger
	timeout   time.Duration
	logger    *zap.Logger
	tracer    trace.Tracer
	onSettle  func(models.QuestionState)

	mu      sync.Mutex
	pending map[string]*models.Question // by task id
	byID    map[string]*models.Question
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds every wait. Zero waits until the context is done.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithLedger records questions and their outcomes.
func WithLedger(l Ledger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.ledger = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer used for ask spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithSettleHook is called once per question with its final state.
func WithSettleHook(fn func(models.QuestionState)) Option {
	return func(c *Coordinator) { c.onSettle = fn }
}

// NewCoordinator wires a presenter and a collector.
func NewCoordinator(p Presenter, col Collector, opts ...Option) *Coordinator {
	c := &Coordinator{
		presenter: p,
		collector: col,
		ledger:    NopLedger{},
		logger:    zap.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("question"),
		pending:   make(map[string]*models.Question),
		byID:      make(map[string]*models.Question),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask creates a question, presents it and blocks until it is answered,
// times out, is cancelled or is superseded.
func (c *Coordinator) Ask(ctx context.Context, taskID, prompt string, kind models.QuestionKind, suggestions []string) (models.Answer, error) {
	q, err := models.NewQuestion(taskID, prompt, kind, suggestions)
	if err != nil {
		return models.Answer{}, err
	}

	ctx, span := c.tracer.Start(ctx, "question.ask", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("question.id", q.ID),
		attribute.String("question.kind", string(kind)),
	))
	defer span.End()

	superseded := c.register(q)
	if superseded != nil {
		c.collector.Cancel(superseded.ID, fmt.Errorf("%w by %s", ErrSuperseded, q.ID))
		c.logger.Info("question_event=superseded",
			zap.String("task_id", taskID),
			zap.String("question_id", superseded.ID),
			zap.String("superseded_by", q.ID))
	}

	// Inbound answers and cancels may change q from here on.
	opened := c.snapshot(q)
	if err := c.ledger.Opened(ctx, opened); err != nil {
		c.logger.Warn("question ledger write failed", zap.String("question_id", q.ID), zap.Error(err))
	}

	c.logger.Info("question_event=asked",
		zap.String("task_id", taskID),
		zap.String("question_id", q.ID),
		zap.String("kind", string(kind)),
		zap.Int("suggestions", len(q.Suggestions)))

	if err := c.presenter.Present(ctx, opened.Snapshot()); err != nil {
		// The answer may still arrive through another route.
		c.logger.Warn("question presentation failed", zap.String("question_id", q.ID), zap.Error(err))
	}

	answer, waitErr := c.collector.WaitForAnswer(ctx, q.ID, c.timeout)
	final := c.settle(q, stateFor(waitErr))

	var result error
	switch {
	case final == models.QuestionAnswered:
	case final == stateFor(waitErr):
		result = waitErr
	default:
		result = errorFor(final)
	}

	var recorded *models.Answer
	if result == nil {
		recorded = &answer
	}
	if err := c.ledger.Settled(context.WithoutCancel(ctx), c.snapshot(q), recorded); err != nil {
		c.logger.Warn("question ledger write failed", zap.String("question_id", q.ID), zap.Error(err))
	}
	if c.onSettle != nil {
		c.onSettle(final)
	}

	span.SetAttributes(attribute.String("question.state", string(final)))
	if result != nil {
		span.SetStatus(codes.Error, result.Error())
		c.logger.Info("question_event=unresolved",
			zap.String("task_id", taskID),
			zap.String("question_id", q.ID),
			zap.String("state", string(final)),
			zap.Error(result))
		return models.Answer{}, result
	}

	c.logger.Info("question_event=answered",
		zap.String("task_id", taskID),
		zap.String("question_id", q.ID),
		zap.Int("answer_len", len(answer.Text)))
	return answer, nil
}

// register makes q the pending question of its task and returns the
// question it replaced, if any.
func (c *Coordinator) register(q *models.Question) *models.Question {
	c.mu.Lock()
	defer c.mu.Unlock()

	var old *models.Question
	if prev, ok := c.pending[q.TaskID]; ok && prev.IsPending() {
		prev.State = models.QuestionSuperseded
		delete(c.byID, prev.ID)
		old = prev.Snapshot()
	}
	c.pending[q.TaskID] = q
	c.byID[q.ID] = q
	if exp, ok := c.collector.(Expecter); ok {
		exp.Expect(q.ID)
	}
	return old
}

// settle moves q out of Pending unless another path already did, and
// returns the state it ends in.
func (c *Coordinator) settle(q *models.Question, state models.QuestionState) models.QuestionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q.IsPending() {
		q.State = state
	}
	if c.pending[q.TaskID] == q {
		delete(c.pending, q.TaskID)
	}
	delete(c.byID, q.ID)
	return q.State
}

func (c *Coordinator) snapshot(q *models.Question) *models.Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	return q.Snapshot()
}

// Answer resolves a pending question by id.
func (c *Coordinator) Answer(questionID, text string) error {
	c.mu.Lock()
	q, ok := c.byID[questionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, questionID)
	}
	r, ok := c.collector.(Resolver)
	if !ok {
		return fmt.Errorf("collector %T does not accept answers", c.collector)
	}
	return r.Resolve(q.ID, text)
}

// AnswerPending resolves whatever question is pending for taskID.
func (c *Coordinator) AnswerPending(taskID, text string) (string, error) {
	q, ok := c.GetPending(taskID)
	if !ok {
		return "", fmt.Errorf("%w: no pending question for task %s", ErrNotFound, taskID)
	}
	return q.ID, c.Answer(q.ID, text)
}

// Cancel marks a pending question cancelled and unblocks its waiter.
func (c *Coordinator) Cancel(questionID, reason string) error {
	c.mu.Lock()
	q, ok := c.byID[questionID]
	if ok && q.IsPending() {
		q.State = models.QuestionCancelled
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, questionID)
	}
	c.collector.Cancel(questionID, fmt.Errorf("%w: %s", ErrCancelled, reason))
	return nil
}

// CancelTask cancels the pending question of taskID, if any.
func (c *Coordinator) CancelTask(taskID, reason string) bool {
	q, ok := c.GetPending(taskID)
	if !ok {
		return false
	}
	return c.Cancel(q.ID, reason) == nil
}

// GetPending returns a copy of the question currently open for taskID.
func (c *Coordinator) GetPending(taskID string) (*models.Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.pending[taskID]
	if !ok || !q.IsPending() {
		return nil, false
	}
	return q.Snapshot(), true
}

func stateFor(err error) models.QuestionState {
	switch {
	case err == nil:
		return models.QuestionAnswered
	case errors.Is(err, ErrTimeout):
		return models.QuestionTimedOut
	case errors.Is(err, ErrSuperseded):
		return models.QuestionSuperseded
	default:
		return models.QuestionCancelled
	}
}

func errorFor(state models.QuestionState) error {
	switch state {
	case models.QuestionTimedOut:
		return ErrTimeout
	case models.QuestionSuperseded:
		return ErrSuperseded
	default:
		return ErrCancelled
	}
}
