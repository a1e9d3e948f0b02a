package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v2"
)

func TestTaskStatus(t *testing.T) {
	task := &Task{ID: "test-1", Status: TaskStatusRunning}

	if !task.IsRunning() {
		t.Error("Expected task to be running")
	}
	if task.IsTerminal() {
		t.Error("Expected running task to not be terminal")
	}

	task.Status = TaskStatusWaitingForAnswer
	if !task.IsWaiting() {
		t.Error("Expected task to be waiting")
	}
	if task.IsTerminal() {
		t.Error("Expected waiting task to not be terminal")
	}

	task.Status = TaskStatusCompleting
	if task.IsTerminal() {
		t.Error("Expected completing task to not be terminal")
	}

	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		task.Status = s
		if !task.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
}

func TestParseTaskStatus(t *testing.T) {
	st, err := ParseTaskStatus(" Waiting_For_Answer ")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if st != TaskStatusWaitingForAnswer {
		t.Errorf("Expected waiting_for_answer, got %s", st)
	}
	if _, err := ParseTaskStatus("paused"); err == nil {
		t.Error("Expected error for unknown status")
	}
}

func TestTaskAccumulateIsMonotonic(t *testing.T) {
	task := &Task{ID: "test-1"}
	task.Accumulate(TokenUsage{Prompt: 10, Completion: 5}, ToolUsage{"read_file": 2})
	task.Accumulate(TokenUsage{Prompt: -4, Completion: 3, Total: 3}, ToolUsage{"read_file": -1, "bash": 1})

	if task.TokenUsage.Prompt != 10 {
		t.Errorf("Expected prompt tokens 10, got %d", task.TokenUsage.Prompt)
	}
	if task.TokenUsage.Completion != 8 {
		t.Errorf("Expected completion tokens 8, got %d", task.TokenUsage.Completion)
	}
	if task.TokenUsage.Total != 18 {
		t.Errorf("Expected total tokens 18, got %d", task.TokenUsage.Total)
	}
	if task.ToolUsage["read_file"] != 2 || task.ToolUsage["bash"] != 1 {
		t.Errorf("Unexpected tool usage: %v", task.ToolUsage)
	}
	if task.ToolUsage.Calls() != 3 {
		t.Errorf("Expected 3 tool calls, got %d", task.ToolUsage.Calls())
	}
}

func TestTaskCloneIsIndependent(t *testing.T) {
	now := time.Now()
	task := &Task{ID: "test-1", ToolUsage: ToolUsage{"bash": 1}, Tags: []string{"a"}, StartedAt: &now}
	c := task.Clone()
	c.ToolUsage["bash"] = 5
	c.Tags[0] = "b"
	*c.StartedAt = now.Add(time.Hour)

	if task.ToolUsage["bash"] != 1 || task.Tags[0] != "a" || !task.StartedAt.Equal(now) {
		t.Error("Expected clone mutations to leave the original untouched")
	}
}

func TestTaskToSummary(t *testing.T) {
	now := time.Now()
	later := now.Add(5 * time.Minute)

	task := &Task{
		ID:          "test-1",
		Prompt:      "Test prompt",
		Engine:      "script",
		Status:      TaskStatusCompleted,
		TokenUsage:  TokenUsage{Total: 42},
		CreatedAt:   now,
		StartedAt:   &now,
		CompletedAt: &later,
	}

	summary := task.ToSummary()

	if summary.ID != task.ID {
		t.Errorf("Expected ID %s, got %s", task.ID, summary.ID)
	}
	if summary.TotalTokens != 42 {
		t.Errorf("Expected 42 tokens, got %d", summary.TotalTokens)
	}
	if summary.Duration != "5m0s" {
		t.Errorf("Expected Duration 5m0s, got %s", summary.Duration)
	}
}

func TestTaskToSummaryTruncatesLongPrompt(t *testing.T) {
	task := &Task{
		ID:        "test-1",
		Prompt:    strings.Repeat("é", 150),
		Status:    TaskStatusRunning,
		CreatedAt: time.Now(),
	}

	summary := task.ToSummary()

	if n := len([]rune(summary.Prompt)); n != 100 {
		t.Errorf("Expected prompt to be truncated to 100 runes, got %d", n)
	}
	if !strings.HasSuffix(summary.Prompt, "...") {
		t.Error("Expected truncated prompt to end with ...")
	}
}

func TestDurationMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Duration(5 * time.Minute))
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if string(data) != `"5m0s"` {
		t.Errorf("Expected \"5m0s\", got %s", string(data))
	}
}

func TestDurationUnmarshalJSON(t *testing.T) {
	tests := []struct {
		input    string
		expected Duration
	}{
		{`"5m"`, Duration(5 * time.Minute)},
		{`"1h30m"`, Duration(90 * time.Minute)},
		{`"50ms"`, Duration(50 * time.Millisecond)},
		{`""`, Duration(0)},
		{`1000`, Duration(1000)},
	}

	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.input), &d); err != nil {
			t.Errorf("Failed to unmarshal %s: %v", tt.input, err)
			continue
		}
		if d != tt.expected {
			t.Errorf("For %s: expected %v, got %v", tt.input, tt.expected, d)
		}
	}
}

func TestDurationYAML(t *testing.T) {
	var v struct {
		Grace Duration `yaml:"grace"`
	}
	if err := yaml.Unmarshal([]byte("grace: 75ms\n"), &v); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if v.Grace.Std() != 75*time.Millisecond {
		t.Errorf("Expected 75ms, got %v", v.Grace.Std())
	}

	out, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if strings.TrimSpace(string(out)) != "grace: 75ms" {
		t.Errorf("Unexpected yaml: %q", out)
	}
}
