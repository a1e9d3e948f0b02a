package panel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sevir/cadence/internal/sink"
	"github.com/sevir/cadence/pkg/models"
)

type call struct {
	kind, taskID, questionID, text string
}

type fakeTarget struct {
	mu       sync.Mutex
	calls    []call
	started  []models.SpawnRequest
	attached []*Transport
	fail     error
}

// Start attaches the task and emits its first event right away, the way a
// task that starts working immediately would.
func (f *fakeTarget) Start(ctx context.Context, conn *Conn, req models.SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.started = append(f.started, req)
	tr := conn.Transport("task-1", nil)
	f.attached = append(f.attached, tr)
	if err := tr.Send(ctx, models.NewProgressEvent("task-1", "booting")); err != nil {
		return "", err
	}
	return "task-1", nil
}

func (f *fakeTarget) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeTarget) Answer(taskID, questionID, text string) error {
	return f.record(call{"answer", taskID, questionID, text})
}

func (f *fakeTarget) CancelQuestion(taskID, questionID, reason string) error {
	return f.record(call{"cancel_question", taskID, questionID, reason})
}

func (f *fakeTarget) Cancel(taskID, reason string) error {
	return f.record(call{"cancel", taskID, "", reason})
}

func (f *fakeTarget) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type harness struct {
	target *fakeTarget
	client *websocket.Conn
	conn   *Conn
	done   chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{target: &fakeTarget{}, done: make(chan struct{})}
	conns := make(chan *Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := Upgrader(nil)
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(ws, h.target, zaptest.NewLogger(t))
		conns <- c
		_ = c.Run(context.Background())
		close(h.done)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	h.client = client

	select {
	case h.conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	return h
}

func (h *harness) read(t *testing.T) Envelope {
	t.Helper()
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, h.client.ReadJSON(&env))
	return env
}

func TestStartAndStreamTask(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.client.WriteJSON(Message{Type: MsgStart, Spawn: &models.SpawnRequest{Prompt: "refactor"}}))
	env := h.read(t)
	assert.Equal(t, MsgStarted, env.Type)
	assert.Equal(t, "task-1", env.TaskID)
	env = h.read(t)
	assert.Equal(t, MsgEvent, env.Type)
	require.NotNil(t, env.Event)
	assert.Equal(t, "booting", env.Event.Payload)

	h.target.mu.Lock()
	require.Len(t, h.target.attached, 1)
	tr := h.target.attached[0]
	h.target.mu.Unlock()
	require.NoError(t, tr.Send(context.Background(), models.NewProgressEvent("task-1", "working")))
	env = h.read(t)
	assert.Equal(t, MsgEvent, env.Type)
	require.NotNil(t, env.Event)
	assert.Equal(t, models.EventProgress, env.Event.Kind)
	assert.Equal(t, "working", env.Event.Payload)

	require.NoError(t, tr.Close())
	env = h.read(t)
	assert.Equal(t, MsgTaskClosed, env.Type)
	assert.Equal(t, "task-1", env.TaskID)

	assert.ErrorIs(t, tr.Send(context.Background(), models.NewProgressEvent("task-1", "late")), sink.ErrClosed)
	assert.NoError(t, tr.Close())

	h.target.mu.Lock()
	require.Len(t, h.target.started, 1)
	assert.Equal(t, "refactor", h.target.started[0].Prompt)
	h.target.mu.Unlock()
}

func TestRequestsRouteToTarget(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.client.WriteJSON(Message{Type: MsgAnswer, TaskID: "task-1", QuestionID: "q-1", Text: "Yes"}))
	require.NoError(t, h.client.WriteJSON(Message{Type: MsgCancelQuestion, TaskID: "task-1", QuestionID: "q-2", Reason: "skip"}))
	require.NoError(t, h.client.WriteJSON(Message{Type: MsgCancel, TaskID: "task-1", Reason: "stop"}))

	assert.Eventually(t, func() bool { return len(h.target.Calls()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []call{
		{"answer", "task-1", "q-1", "Yes"},
		{"cancel_question", "task-1", "q-2", "skip"},
		{"cancel", "task-1", "", "stop"},
	}, h.target.Calls())
}

func TestRequestErrorsAreReported(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env := h.read(t)
	assert.Equal(t, MsgError, env.Type)
	assert.Equal(t, "malformed message", env.Error)

	require.NoError(t, h.client.WriteJSON(Message{Type: "reboot"}))
	env = h.read(t)
	assert.Equal(t, MsgError, env.Type)
	assert.Contains(t, env.Error, "reboot")

	require.NoError(t, h.client.WriteJSON(Message{Type: MsgStart}))
	env = h.read(t)
	assert.Equal(t, MsgError, env.Type)

	h.target.mu.Lock()
	h.target.fail = errors.New("no pending question")
	h.target.mu.Unlock()
	require.NoError(t, h.client.WriteJSON(Message{Type: MsgAnswer, TaskID: "task-9", Text: "x"}))
	env = h.read(t)
	assert.Equal(t, MsgError, env.Type)
	assert.Equal(t, "task-9", env.TaskID)
	assert.Equal(t, "no pending question", env.Error)
}

func TestSocketDropDisconnectsTasks(t *testing.T) {
	h := newHarness(t)

	disconnected := make(chan string, 2)
	a := h.conn.Transport("task-a", func() { disconnected <- "task-a" })
	b := h.conn.Transport("task-b", func() { disconnected <- "task-b" })
	require.NoError(t, b.Close())
	for _, want := range []Envelope{
		{Type: MsgStarted, TaskID: "task-a"},
		{Type: MsgStarted, TaskID: "task-b"},
		{Type: MsgTaskClosed, TaskID: "task-b"},
	} {
		assert.Equal(t, want, h.read(t))
	}

	require.NoError(t, h.client.Close())

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	select {
	case id := <-disconnected:
		assert.Equal(t, "task-a", id)
	case <-time.After(time.Second):
		t.Fatal("onDisconnect not called")
	}
	assert.Empty(t, disconnected)

	assert.ErrorIs(t, a.Send(context.Background(), models.NewProgressEvent("task-a", "x")), sink.ErrDisconnected)
	late := h.conn.Transport("task-c", nil)
	assert.ErrorIs(t, late.Send(context.Background(), models.NewProgressEvent("task-c", "x")), sink.ErrDisconnected)
}

func TestUpgraderOrigins(t *testing.T) {
	up := Upgrader([]string{"http://localhost:3000"})
	req := httptest.NewRequest(http.MethodGet, "/panel/ws", nil)
	assert.True(t, up.CheckOrigin(req))
	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, up.CheckOrigin(req))
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, up.CheckOrigin(req))
}
