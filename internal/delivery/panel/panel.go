// Package panel delivers task events to a desktop panel over a websocket.
// One connection carries any number of tasks; the panel starts tasks,
// answers questions and cancels through the same socket.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sevir/cadence/internal/sink"
	"github.com/sevir/cadence/pkg/models"
)

// Inbound message types.
const (
	MsgStart          = "start"
	MsgAnswer         = "answer"
	MsgCancelQuestion = "cancel_question"
	MsgCancel         = "cancel"
)

// Outbound message types.
const (
	MsgStarted    = "started"
	MsgEvent      = "event"
	MsgTaskClosed = "task_closed"
	MsgError      = "error"
)

const writeTimeout = 10 * time.Second

// Message is one message read from the panel.
type Message struct {
	Type       string               `json:"type"`
	TaskID     string               `json:"task_id,omitempty"`
	QuestionID string               `json:"question_id,omitempty"`
	Text       string               `json:"text,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Spawn      *models.SpawnRequest `json:"spawn,omitempty"`
}

// Envelope is one message written to the panel.
type Envelope struct {
	Type   string                  `json:"type"`
	TaskID string                  `json:"task_id,omitempty"`
	Event  *models.CompletionEvent `json:"event,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// Target executes panel requests. Start must attach the task with
// conn.Transport before the task produces events.
type Target interface {
	Start(ctx context.Context, conn *Conn, req models.SpawnRequest) (string, error)
	Answer(taskID, questionID, text string) error
	CancelQuestion(taskID, questionID, reason string) error
	Cancel(taskID, reason string) error
}

// Upgrader returns a websocket upgrader accepting the given origins. An
// empty list accepts any origin.
func Upgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
}

// Conn is one panel connection.
type Conn struct {
	ws     *websocket.Conn
	target Target
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[string]*Transport
	closed  bool
}

// NewConn wraps an upgraded websocket.
func NewConn(ws *websocket.Conn, target Target, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		ws:      ws,
		target:  target,
		logger:  logger.With(zap.String("remote", ws.RemoteAddr().String())),
		streams: make(map[string]*Transport),
	}
}

// Transport registers a task on the connection and announces it with a
// started envelope, so the panel learns the task id before any of its
// events. onDisconnect runs when the socket drops while the task is still
// attached.
func (c *Conn) Transport(taskID string, onDisconnect func()) *Transport {
	t := &Transport{conn: c, taskID: taskID, onDisconnect: onDisconnect}
	c.mu.Lock()
	if c.closed {
		t.gone = true
	} else {
		c.streams[taskID] = t
	}
	c.mu.Unlock()

	if !t.gone {
		if err := c.write(Envelope{Type: MsgStarted, TaskID: taskID}); err != nil {
			c.logger.Debug("started envelope dropped", zap.String("task_id", taskID), zap.Error(err))
			t.mu.Lock()
			t.gone = true
			t.mu.Unlock()
		}
	}
	return t
}

func (c *Conn) detach(taskID string) {
	c.mu.Lock()
	delete(c.streams, taskID)
	c.mu.Unlock()
}

func (c *Conn) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env)
}

// Run reads panel messages until the socket closes or ctx ends.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = c.ws.Close()
	}()
	defer c.shutdown()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.write(Envelope{Type: MsgError, Error: "malformed message"})
			continue
		}
		if err := c.dispatch(ctx, msg); err != nil {
			c.logger.Debug("panel request failed", zap.String("type", msg.Type), zap.Error(err))
			_ = c.write(Envelope{Type: MsgError, TaskID: msg.TaskID, Error: err.Error()})
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MsgStart:
		if msg.Spawn == nil {
			return errors.New("start requires spawn")
		}
		_, err := c.target.Start(ctx, c, *msg.Spawn)
		return err
	case MsgAnswer:
		return c.target.Answer(msg.TaskID, msg.QuestionID, msg.Text)
	case MsgCancelQuestion:
		return c.target.CancelQuestion(msg.TaskID, msg.QuestionID, msg.Reason)
	case MsgCancel:
		return c.target.Cancel(msg.TaskID, msg.Reason)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	streams := make([]*Transport, 0, len(c.streams))
	for _, t := range c.streams {
		streams = append(streams, t)
	}
	c.streams = make(map[string]*Transport)
	c.mu.Unlock()

	for _, t := range streams {
		t.markGone()
	}
	_ = c.ws.Close()
}

// Transport carries one task's events over a shared Conn.
type Transport struct {
	conn         *Conn
	taskID       string
	onDisconnect func()

	mu     sync.Mutex
	closed bool
	gone   bool
}

// Send implements sink.Transport.
func (t *Transport) Send(_ context.Context, ev models.CompletionEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return sink.ErrDisconnected
	}
	if t.closed {
		return sink.ErrClosed
	}
	if err := t.conn.write(Envelope{Type: MsgEvent, TaskID: t.taskID, Event: &ev}); err != nil {
		t.gone = true
		return fmt.Errorf("%w: %w", sink.ErrDisconnected, err)
	}
	return nil
}

// Close implements sink.Transport. The socket stays open for other tasks.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.conn.detach(t.taskID)
	if t.gone {
		return nil
	}
	return t.conn.write(Envelope{Type: MsgTaskClosed, TaskID: t.taskID})
}

func (t *Transport) markGone() {
	t.mu.Lock()
	already := t.gone || t.closed
	t.gone = true
	t.mu.Unlock()
	if !already && t.onDisconnect != nil {
		t.onDisconnect()
	}
}
