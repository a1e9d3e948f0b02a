// Package sink owns the per-task outbound channel and decides when it ends.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/cadence/pkg/models"
)

var (
	// ErrClosed is returned by transports written after Close.
	ErrClosed = errors.New("sink closed")
	// ErrDisconnected is returned by transports whose consumer went away.
	ErrDisconnected = errors.New("consumer disconnected")
)

// DefaultGrace is the delay between a final event and closing the channel.
const DefaultGrace = 50 * time.Millisecond

// StreamSink is the outbound channel of one task.
type StreamSink interface {
	// Emit writes ev. Writing to a closed sink is a logged no-op.
	Emit(ctx context.Context, ev models.CompletionEvent) error
	// Close ends the channel. It is idempotent and safe to call
	// concurrently with Emit.
	Close() error
	// Done is closed once the sink no longer delivers events.
	Done() <-chan struct{}
}

// Transport moves events to one consumer. A Stream never calls Send
// concurrently or after Close.
type Transport interface {
	Send(ctx context.Context, ev models.CompletionEvent) error
	Close() error
}

// Stream is the StreamSink used by every delivery context. Intermediate
// events never end it; the first final event schedules Close after the
// grace delay.
type Stream struct {
	taskID    string
	transport Transport
	grace     time.Duration
	logger    *zap.Logger
	onEmit    func(models.CompletionEvent)

	mu             sync.Mutex
	seq            uint64
	closed         bool
	disconnected   bool
	closeScheduled bool
	timer          *time.Timer
	lastActivity   time.Time

	closeOnce sync.Once
	closeErr  error
	doneOnce  sync.Once
	done      chan struct{}
}

// Option configures a Stream.
type Option func(*Stream)

// WithGrace sets the delay between a final event and Close.
func WithGrace(d time.Duration) Option {
	return func(s *Stream) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEmitHook is called for every event handed to the transport.
func WithEmitHook(fn func(models.CompletionEvent)) Option {
	return func(s *Stream) { s.onEmit = fn }
}

// NewStream binds a transport to taskID.
func NewStream(taskID string, t Transport, opts ...Option) *Stream {
	s := &Stream{
		taskID:       taskID,
		transport:    t,
		grace:        DefaultGrace,
		logger:       zap.NewNop(),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("task_id", taskID))
	return s
}

// Emit implements StreamSink.
func (s *Stream) Emit(ctx context.Context, ev models.CompletionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Debug("sink_event=dropped",
			zap.String("kind", string(ev.Kind)),
			zap.Bool("disconnected", s.disconnected))
		return nil
	}

	s.seq++
	ev.Seq = s.seq
	if ev.TaskID == "" {
		ev.TaskID = s.taskID
	}
	s.lastActivity = time.Now()

	if err := s.transport.Send(ctx, ev); err != nil {
		// A transport that cannot write has lost its consumer.
		s.markDisconnectedLocked()
		s.logger.Warn("sink_event=send_failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return err
	}
	if s.onEmit != nil {
		s.onEmit(ev)
	}

	if ev.IsFinal() && !s.closeScheduled {
		s.closeScheduled = true
		s.timer = time.AfterFunc(s.grace, func() { _ = s.Close() })
		s.logger.Debug("sink_event=close_scheduled", zap.Duration("grace", s.grace))
	}
	return nil
}

// Close implements StreamSink.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
		}
		s.closeErr = s.transport.Close()
		s.mu.Unlock()
		s.doneOnce.Do(func() { close(s.done) })
		s.logger.Debug("sink_event=closed")
	})
	return s.closeErr
}

// Disconnect records that the consumer went away. Later emits are dropped;
// the task itself is unaffected.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.logger.Info("sink_event=disconnected")
	}
	s.markDisconnectedLocked()
}

func (s *Stream) markDisconnectedLocked() {
	s.closed = true
	s.disconnected = true
	s.doneOnce.Do(func() { close(s.done) })
}

// Done implements StreamSink.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the stream stopped delivering.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Disconnected reports whether the stream ended because the consumer left.
func (s *Stream) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// LastActivity returns the time of the last delivered event.
func (s *Stream) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
