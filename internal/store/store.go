// Package store persists task records.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/cadence/pkg/models"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

const defaultFlushInterval = 5 * time.Second

// Store defines the interface for task storage. Implementations keep
// their own copies; callers never share a record with the store.
type Store interface {
	Save(task *models.Task) error
	Get(id string) (*models.Task, error)
	List(filter ListFilter) ([]*models.Task, error)
	Delete(id string) error
	Close() error
}

// ListFilter defines criteria for listing tasks.
type ListFilter struct {
	Status []models.TaskStatus
	Tags   []string
	Limit  int
	Offset int
}

// FileStore keeps tasks in memory and flushes them to a JSON file in the
// background.
type FileStore struct {
	path     string
	interval time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*models.Task
	dirty bool

	closeOnce sync.Once
	closeErr  error
	closeCh   chan struct{}
	saverDone chan struct{}
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithFlushInterval sets how often dirty state is written.
func WithFlushInterval(d time.Duration) Option {
	return func(fs *FileStore) {
		if d > 0 {
			fs.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(fs *FileStore) {
		if l != nil {
			fs.logger = l
		}
	}
}

// NewFileStore opens the store at path. Tasks left unfinished by a previous
// process are marked failed.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		path:      path,
		interval:  defaultFlushInterval,
		logger:    zap.NewNop(),
		tasks:     make(map[string]*models.Task),
		closeCh:   make(chan struct{}),
		saverDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fs)
	}

	if err := fs.load(); err != nil {
		return nil, err
	}
	fs.markInterrupted()

	go fs.backgroundSaver()
	return fs, nil
}

func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var tasks map[string]*models.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}
	if tasks != nil {
		fs.tasks = tasks
	}
	return nil
}

// markInterrupted fails tasks whose coordinator died with the previous
// process; nothing can finish them now.
func (fs *FileStore) markInterrupted() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	for _, task := range fs.tasks {
		if task.IsTerminal() {
			continue
		}
		task.Status = models.TaskStatusFailed
		task.Error = "interrupted by restart"
		task.CompletedAt = &now
		fs.dirty = true
		fs.logger.Info("task_event=interrupted", zap.String("task_id", task.ID))
	}
}

func (fs *FileStore) save() error {
	fs.mu.Lock()
	data, err := json.MarshalIndent(fs.tasks, "", "  ")
	fs.dirty = false
	fs.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		fs.markDirty()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		fs.markDirty()
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (fs *FileStore) markDirty() {
	fs.mu.Lock()
	fs.dirty = true
	fs.mu.Unlock()
}

func (fs *FileStore) backgroundSaver() {
	defer close(fs.saverDone)
	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.RLock()
			dirty := fs.dirty
			fs.mu.RUnlock()
			if !dirty {
				continue
			}
			if err := fs.save(); err != nil {
				fs.logger.Warn("store flush failed", zap.String("path", fs.path), zap.Error(err))
			}
		case <-fs.closeCh:
			return
		}
	}
}

// Save stores a copy of task.
func (fs *FileStore) Save(task *models.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task without id")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.tasks[task.ID] = task.Clone()
	fs.dirty = true
	return nil
}

// RecordTask saves a snapshot pushed by a running task. Failures are
// logged.
func (fs *FileStore) RecordTask(task *models.Task) {
	if err := fs.Save(task); err != nil {
		fs.logger.Warn("recording task failed", zap.Error(err))
	}
}

// Get retrieves a copy of a task by ID.
func (fs *FileStore) Get(id string) (*models.Task, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	task, exists := fs.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.Clone(), nil
}

// List retrieves tasks matching the filter, newest first.
func (fs *FileStore) List(filter ListFilter) ([]*models.Task, error) {
	fs.mu.RLock()
	result := make([]*models.Task, 0, len(fs.tasks))
	for _, task := range fs.tasks {
		if matchesFilter(task, filter) {
			result = append(result, task.Clone())
		}
	}
	fs.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*models.Task{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesFilter(task *models.Task, filter ListFilter) bool {
	if len(filter.Status) > 0 && !slices.Contains(filter.Status, task.Status) {
		return false
	}
	for _, tag := range filter.Tags {
		if !slices.Contains(task.Tags, tag) {
			return false
		}
	}
	return true
}

// Delete removes a task by ID.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.tasks[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(fs.tasks, id)
	fs.dirty = true
	return nil
}

// Close stops the background saver and writes the final state.
func (fs *FileStore) Close() error {
	fs.closeOnce.Do(func() {
		close(fs.closeCh)
		<-fs.saverDone
		fs.closeErr = fs.save()
	})
	return fs.closeErr
}

// ForceSave immediately persists all tasks to disk.
func (fs *FileStore) ForceSave() error {
	return fs.save()
}
