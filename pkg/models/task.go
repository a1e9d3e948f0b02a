// Package models defines the core domain types for the cadence coordinator.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusRunning          TaskStatus = "running"
	TaskStatusWaitingForAnswer TaskStatus = "waiting_for_answer"
	TaskStatusCompleting       TaskStatus = "completing"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
	TaskStatusCancelled        TaskStatus = "cancelled"
)

// ParseTaskStatus converts a user supplied status name.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case TaskStatusRunning, TaskStatusWaitingForAnswer, TaskStatusCompleting,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Task is the bookkeeping record of one unit of agent work.
type Task struct {
	ID                string     `json:"id"`
	Prompt            string     `json:"prompt"`
	Engine            string     `json:"engine,omitempty"`
	WorkDir           string     `json:"work_dir,omitempty"`
	Status            TaskStatus `json:"status"`
	TokenUsage        TokenUsage `json:"token_usage"`
	ToolUsage         ToolUsage  `json:"tool_usage,omitempty"`
	CompletionEmitted bool       `json:"completion_emitted"`
	Result            string     `json:"result,omitempty"`
	Error             string     `json:"error,omitempty"`
	LogFile           string     `json:"log_file,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Duration is a wrapper around time.Duration that reads and writes
// duration strings in JSON and YAML.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) < 2 || b[0] != '"' {
		// Bare numbers are nanoseconds.
		var n int64
		if _, err := fmt.Sscan(string(b), &n); err != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(string(b[1 : len(b)-1]))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted ||
		t.Status == TaskStatusFailed ||
		t.Status == TaskStatusCancelled
}

// IsRunning returns true while the engine is producing output.
func (t *Task) IsRunning() bool {
	return t.Status == TaskStatusRunning
}

// IsWaiting returns true while the task is blocked on a question.
func (t *Task) IsWaiting() bool {
	return t.Status == TaskStatusWaitingForAnswer
}

// Accumulate adds usage increments to the task counters. Counters never
// decrease.
func (t *Task) Accumulate(tokens TokenUsage, tools ToolUsage) {
	t.TokenUsage = t.TokenUsage.Add(tokens)
	t.ToolUsage = t.ToolUsage.Merge(tools)
}

// Clone returns a deep copy suitable for handing to other goroutines.
func (t *Task) Clone() *Task {
	c := *t
	c.ToolUsage = t.ToolUsage.Clone()
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// TaskSummary provides a condensed view of a task for listing.
type TaskSummary struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Engine      string     `json:"engine,omitempty"`
	Status      TaskStatus `json:"status"`
	TotalTokens int64      `json:"total_tokens"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
}

// ToSummary converts a Task to a TaskSummary.
func (t *Task) ToSummary() TaskSummary {
	summary := TaskSummary{
		ID:          t.ID,
		Prompt:      truncateString(t.Prompt, 100),
		Engine:      t.Engine,
		Status:      t.Status,
		TotalTokens: t.TokenUsage.Total,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.CompletedAt != nil && t.StartedAt != nil {
		summary.Duration = t.CompletedAt.Sub(*t.StartedAt).String()
	}
	return summary
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// SpawnRequest represents a request to start a new task.
type SpawnRequest struct {
	Prompt  string   `json:"prompt"`
	Engine  string   `json:"engine,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
	Script  string   `json:"script,omitempty"`
	Args    []string `json:"args,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// ListRequest represents a request to list tasks.
type ListRequest struct {
	Status []TaskStatus `json:"status,omitempty"`
	Tags   []string     `json:"tags,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}
