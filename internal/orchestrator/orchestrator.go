// Package orchestrator tracks tasks, starts their engines and routes
// answers and cancellations to the handler that owns each task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sevir/cadence/internal/agent"
	"github.com/sevir/cadence/internal/execution"
	"github.com/sevir/cadence/internal/handler"
	"github.com/sevir/cadence/internal/question"
	"github.com/sevir/cadence/internal/sink"
	"github.com/sevir/cadence/internal/store"
	"github.com/sevir/cadence/pkg/models"
)

var (
	// ErrNotRunning is returned for requests that need a live task.
	ErrNotRunning = errors.New("task is not running")
	// ErrShutdown is returned by Spawn after Shutdown.
	ErrShutdown = errors.New("orchestrator is shutting down")
)

const deleteWait = 5 * time.Second

// Attach builds the handler that delivers a new task to its consumer.
type Attach func(task *models.Task, deps handler.Deps) (handler.ExecutionHandler, error)

// Headless runs a task without a consumer. Its events are kept in memory
// and dropped with the handler.
func Headless(task *models.Task, deps handler.Deps) (handler.ExecutionHandler, error) {
	return handler.NewBase(task, sink.NewRecorder(), deps), nil
}

// Config holds orchestrator configuration.
type Config struct {
	// StorePath is used when Store is nil.
	StorePath string
	Store     store.Store
	Engines   *agent.Registry
	Handler   handler.Deps
	Logger    *zap.Logger
}

// running is a live task. finished closes once its last state is stored.
type running struct {
	h        handler.ExecutionHandler
	finished chan struct{}
}

// Orchestrator coordinates the tasks of one process.
type Orchestrator struct {
	store   store.Store
	engines *agent.Registry
	deps    handler.Deps
	logger  *zap.Logger

	mu     sync.RWMutex
	active map[string]*running
	closed bool

	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New creates a new Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	st := cfg.Store
	if st == nil {
		fileStore, err := store.NewFileStore(cfg.StorePath, store.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		st = fileStore
	}

	engines := cfg.Engines
	if engines == nil {
		engines = agent.NewRegistry(agent.EngineScript)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	o := &Orchestrator{
		store:   st,
		engines: engines,
		logger:  logger,
		active:  make(map[string]*running),
		ctx:     ctx,
		cancel:  cancel,
	}

	o.deps = cfg.Handler
	if o.deps.Logger == nil {
		o.deps.Logger = logger
	}
	o.deps.Recorder = execution.RecorderFunc(o.record)
	return o, nil
}

func (o *Orchestrator) record(task *models.Task) {
	if err := o.store.Save(task); err != nil {
		o.logger.Warn("failed to save task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// Spawn creates a task, builds its engine and handler and starts it in the
// background. A nil attach runs the task headless.
func (o *Orchestrator) Spawn(ctx context.Context, req models.SpawnRequest, attach Attach) (handler.ExecutionHandler, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" && strings.TrimSpace(req.Script) == "" {
		return nil, errors.New("prompt is required")
	}
	if attach == nil {
		attach = Headless
	}

	workDir := req.WorkDir
	if workDir == "" {
		workDir = "."
	}
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}

	task := &models.Task{
		ID:        generateID(),
		Prompt:    req.Prompt,
		WorkDir:   workDir,
		Tags:      req.Tags,
		Status:    models.TaskStatusRunning,
		CreatedAt: time.Now(),
	}

	eng, err := o.engines.Build(task, req)
	if err != nil {
		return nil, err
	}
	logTaskReceived(o.logger, task)

	h, err := attach(task, o.deps)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = eng.Close()
		return nil, ErrShutdown
	}
	r := &running{h: h, finished: make(chan struct{})}
	o.active[task.ID] = r
	o.mu.Unlock()

	o.record(h.Task())

	o.group.Go(func() error {
		err := h.Run(o.ctx, eng)
		o.finished(r, err)
		return nil
	})
	return h, nil
}

func (o *Orchestrator) finished(r *running, runErr error) {
	task := r.h.Task()
	o.record(task)

	o.mu.Lock()
	delete(o.active, task.ID)
	o.mu.Unlock()
	close(r.finished)

	logTaskFinished(o.logger, task, runErr)
}

func (o *Orchestrator) live(taskID string) (*running, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.active[taskID]
	return r, ok
}

func (o *Orchestrator) handler(taskID string) (handler.ExecutionHandler, error) {
	if r, ok := o.live(taskID); ok {
		return r.h, nil
	}
	if _, err := o.store.Get(taskID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRunning, taskID)
}

// Handler returns the live handler of taskID.
func (o *Orchestrator) Handler(taskID string) (handler.ExecutionHandler, bool) {
	r, ok := o.live(taskID)
	if !ok {
		return nil, false
	}
	return r.h, true
}

// Answer resolves a question of taskID. An empty questionID answers the
// pending one. It returns the id of the question answered.
func (o *Orchestrator) Answer(taskID, questionID, text string) (string, error) {
	h, err := o.handler(taskID)
	if err != nil {
		return "", err
	}
	if questionID == "" {
		return h.AnswerPending(text)
	}
	return questionID, h.Answer(questionID, text)
}

// Pending returns the open question of taskID.
func (o *Orchestrator) Pending(taskID string) (*models.Question, error) {
	h, err := o.handler(taskID)
	if err != nil {
		return nil, err
	}
	q, ok := h.Pending()
	if !ok {
		return nil, fmt.Errorf("%w: no pending question for task %s", question.ErrNotFound, taskID)
	}
	return q, nil
}

// CancelQuestion withdraws a question of taskID. An empty questionID
// targets the pending one.
func (o *Orchestrator) CancelQuestion(taskID, questionID, reason string) error {
	h, err := o.handler(taskID)
	if err != nil {
		return err
	}
	return h.CancelQuestion(questionID, reasonOr(reason, "cancelled by user"))
}

// Cancel stops a running task.
func (o *Orchestrator) Cancel(taskID, reason string) error {
	h, err := o.handler(taskID)
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			task, _ := o.store.Get(taskID)
			if task != nil {
				return fmt.Errorf("%w: task %s is already in terminal state: %s", ErrNotRunning, taskID, task.Status)
			}
		}
		return err
	}
	h.Cancel(reasonOr(reason, "cancelled by user"))
	return nil
}

// Wait blocks until taskID is terminal, ctx is done or timeout passes.
// The latest task state is returned in every case.
func (o *Orchestrator) Wait(ctx context.Context, taskID string, timeout time.Duration) (*models.Task, error) {
	r, ok := o.live(taskID)
	if !ok {
		return o.store.Get(taskID)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-r.finished:
		return o.store.Get(taskID)
	case <-ctx.Done():
		return r.h.Task(), fmt.Errorf("timeout waiting for task %s: %w", taskID, ctx.Err())
	}
}

// GetTask retrieves a task by ID. Live tasks report their current state.
func (o *Orchestrator) GetTask(taskID string) (*models.Task, error) {
	if h, ok := o.Handler(taskID); ok {
		return h.Task(), nil
	}
	return o.store.Get(taskID)
}

// ListTasks lists tasks matching the filter.
func (o *Orchestrator) ListTasks(req models.ListRequest) ([]*models.Task, error) {
	return o.store.List(store.ListFilter{
		Status: req.Status,
		Tags:   req.Tags,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
}

// Delete removes a task. A running task is cancelled first.
func (o *Orchestrator) Delete(taskID string) error {
	if r, ok := o.live(taskID); ok {
		r.h.Cancel("task deleted")
		select {
		case <-r.finished:
		case <-time.After(deleteWait):
			o.logger.Warn("task did not stop before deletion", zap.String("task_id", taskID))
		}
	}
	return o.store.Delete(taskID)
}

// Stats holds orchestrator statistics.
type Stats struct {
	Total            int `json:"total"`
	Active           int `json:"active"`
	Running          int `json:"running"`
	WaitingForAnswer int `json:"waiting_for_answer"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	Cancelled        int `json:"cancelled"`
}

// GetStats returns orchestrator statistics.
func (o *Orchestrator) GetStats() Stats {
	tasks, _ := o.store.List(store.ListFilter{})

	o.mu.RLock()
	stats := Stats{Active: len(o.active)}
	o.mu.RUnlock()

	for _, task := range tasks {
		stats.Total++
		switch task.Status {
		case models.TaskStatusRunning, models.TaskStatusCompleting:
			stats.Running++
		case models.TaskStatusWaitingForAnswer:
			stats.WaitingForAnswer++
		case models.TaskStatusCompleted:
			stats.Completed++
		case models.TaskStatusFailed:
			stats.Failed++
		case models.TaskStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Engines returns the engine registry.
func (o *Orchestrator) Engines() *agent.Registry {
	return o.engines
}

// Shutdown cancels every running task, waits for them to deliver their
// terminal events and closes the store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel(errors.New("orchestrator shutting down"))

	done := make(chan struct{})
	go func() {
		_ = o.group.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("tasks still running at shutdown: %w", ctx.Err())
	}
	return errors.Join(waitErr, o.store.Close())
}

func generateID() string {
	return fmt.Sprintf("task-%s", uuid.New().String()[:8])
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

func logTaskReceived(logger *zap.Logger, task *models.Task) {
	logger.Info("task_event=received",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("work_dir", task.WorkDir),
		zap.String("engine", task.Engine),
		zap.Strings("tags", task.Tags),
		zap.Int("prompt_len", len(task.Prompt)),
		zap.String("prompt_preview", truncateForLog(task.Prompt, 160)),
	)
}

func logTaskFinished(logger *zap.Logger, task *models.Task, runErr error) {
	var duration time.Duration
	if task.StartedAt != nil && task.CompletedAt != nil {
		duration = task.CompletedAt.Sub(*task.StartedAt)
	}
	logger.Info("task_event=finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("error", strings.TrimSpace(task.Error)),
		zap.Duration("duration", duration),
		zap.Int64("total_tokens", task.TokenUsage.Total),
		zap.String("log_file", task.LogFile),
		zap.NamedError("run", runErr),
	)
}

func truncateForLog(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
