// Package sse delivers task events over a server-sent event stream.
package sse

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/sevir/cadence/internal/sink"
	"github.com/sevir/cadence/pkg/models"
)

// DefaultBuffer is the number of events queued ahead of a slow client.
const DefaultBuffer = 256

// Transport queues events for Serve. Send blocks when the queue is full
// until the client catches up or leaves.
type Transport struct {
	events chan models.CompletionEvent

	closeOnce sync.Once
	closed    chan struct{}
	goneOnce  sync.Once
	gone      chan struct{}
}

// NewTransport creates a transport with the given queue size.
func NewTransport(buffer int) *Transport {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Transport{
		events: make(chan models.CompletionEvent, buffer),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

// Send implements sink.Transport.
func (t *Transport) Send(ctx context.Context, ev models.CompletionEvent) error {
	select {
	case <-t.gone:
		return sink.ErrDisconnected
	case <-t.closed:
		return sink.ErrClosed
	default:
	}
	select {
	case t.events <- ev:
		return nil
	case <-t.gone:
		return sink.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements sink.Transport. Queued events are still written.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *Transport) markGone() {
	t.goneOnce.Do(func() { close(t.gone) })
}

// Serve streams events to the client until the transport is closed or the
// client disconnects, in which case onDisconnect runs.
func (t *Transport) Serve(c *gin.Context, taskID string, onDisconnect func()) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("connected", gin.H{"task_id": taskID})
	c.Writer.Flush()

	write := func(ev models.CompletionEvent) {
		c.SSEvent(string(ev.Kind), ev)
		c.Writer.Flush()
	}

	for {
		select {
		case <-c.Request.Context().Done():
			t.markGone()
			if onDisconnect != nil {
				onDisconnect()
			}
			return
		case ev := <-t.events:
			write(ev)
		case <-t.closed:
			for {
				select {
				case ev := <-t.events:
					write(ev)
				default:
					return
				}
			}
		}
	}
}
