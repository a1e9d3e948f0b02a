package sink

import (
	"context"
	"strings"
	"sync"

	"github.com/sevir/cadence/pkg/models"
)

// Recorder is a Transport that keeps events in memory. It backs tasks that
// run without an attached consumer.
type Recorder struct {
	mu         sync.Mutex
	events     []models.CompletionEvent
	closeCalls int
	sendErr    error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes later sends return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.sendErr = err
	r.mu.Unlock()
}

// Send implements Transport.
func (r *Recorder) Send(_ context.Context, ev models.CompletionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	if r.closeCalls > 0 {
		return ErrClosed
	}
	r.events = append(r.events, ev)
	return nil
}

// Close implements Transport.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closeCalls++
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything sent so far.
func (r *Recorder) Events() []models.CompletionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CompletionEvent(nil), r.events...)
}

// CloseCalls returns how many times Close ran.
func (r *Recorder) CloseCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCalls
}

// Result reassembles the delivered result from its chunks and final event.
func (r *Recorder) Result() (string, bool) {
	var b strings.Builder
	for _, ev := range r.Events() {
		switch ev.Kind {
		case models.EventResultChunk:
			b.WriteString(ev.Payload)
		case models.EventResult:
			b.WriteString(ev.Payload)
			return b.String(), true
		}
	}
	return "", false
}

// Kinds lists event kinds in delivery order.
func (r *Recorder) Kinds() []models.EventKind {
	events := r.Events()
	kinds := make([]models.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}
