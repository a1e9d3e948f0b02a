package question

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sevir/cadence/pkg/models"
)

// Presenter shows a question to the consumer. Implementations must not
// block on the consumer.
type Presenter interface {
	Present(ctx context.Context, q *models.Question) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, q *models.Question) error

// Present implements Presenter.
func (f PresenterFunc) Present(ctx context.Context, q *models.Question) error {
	return f(ctx, q)
}

// Collector blocks until a question is answered, cancelled or times out.
type Collector interface {
	WaitForAnswer(ctx context.Context, questionID string, timeout time.Duration) (models.Answer, error)
	// Cancel unblocks the waiter of questionID with cause.
	Cancel(questionID string, cause error)
}

// Expecter is implemented by collectors that accept answers before the
// waiter starts waiting.
type Expecter interface {
	Expect(questionID string)
}

// Resolver delivers an answer for a question.
type Resolver interface {
	Resolve(questionID, text string) error
	Cancel(questionID string, cause error)
}

type outcome struct {
	answer models.Answer
	err    error
}

// ResolverCollector resolves each question through a one-shot channel keyed
// by question id. Whichever transport receives the answer calls Resolve.
type ResolverCollector struct {
	mu      sync.Mutex
	waiters map[string]chan outcome
}

// NewResolverCollector creates an empty collector.
func NewResolverCollector() *ResolverCollector {
	return &ResolverCollector{waiters: make(map[string]chan outcome)}
}

func (c *ResolverCollector) slot(questionID string) chan outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[questionID]
	if !ok {
		ch = make(chan outcome, 1)
		c.waiters[questionID] = ch
	}
	return ch
}

func (c *ResolverCollector) lookup(questionID string) (chan outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[questionID]
	return ch, ok
}

// Expect registers questionID so an answer can be accepted before
// WaitForAnswer is entered.
func (c *ResolverCollector) Expect(questionID string) {
	c.slot(questionID)
}

// Resolve delivers text as the answer of questionID.
func (c *ResolverCollector) Resolve(questionID, text string) error {
	ch, ok := c.lookup(questionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, questionID)
	}
	select {
	case ch <- outcome{answer: models.NewAnswer(questionID, text)}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotPending, questionID)
	}
}

// Cancel unblocks the waiter of questionID. Unknown ids are ignored.
func (c *ResolverCollector) Cancel(questionID string, cause error) {
	ch, ok := c.lookup(questionID)
	if !ok {
		return
	}
	if cause == nil {
		cause = ErrCancelled
	}
	select {
	case ch <- outcome{err: cause}:
	default:
	}
}

// Pending reports how many questions are registered.
func (c *ResolverCollector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForAnswer blocks until questionID is resolved. A non-positive timeout
// waits until ctx is done.
func (c *ResolverCollector) WaitForAnswer(ctx context.Context, questionID string, timeout time.Duration) (models.Answer, error) {
	ch := c.slot(questionID)
	defer func() {
		c.mu.Lock()
		delete(c.waiters, questionID)
		c.mu.Unlock()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-ch:
		return out.answer, out.err
	case <-expired:
		return models.Answer{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return models.Answer{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// Handle correlates an eventual answer with the question it belongs to.
type Handle struct {
	QuestionID string `json:"question_id"`
	TaskID     string `json:"task_id"`

	resolver Resolver
}

// NewHandle binds a question to the resolver that will receive its answer.
func NewHandle(q *models.Question, r Resolver) Handle {
	return Handle{QuestionID: q.ID, TaskID: q.TaskID, resolver: r}
}

// Resolve answers the question.
func (h Handle) Resolve(text string) error {
	if h.resolver == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, h.QuestionID)
	}
	return h.resolver.Resolve(h.QuestionID, text)
}

// Cancel withdraws the question.
func (h Handle) Cancel(reason string) {
	if h.resolver == nil {
		return
	}
	h.resolver.Cancel(h.QuestionID, fmt.Errorf("%w: %s", ErrCancelled, reason))
}
