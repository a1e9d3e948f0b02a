package orchestrator

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTaskLifecycleLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	orch, _ := setupWithLogger(t, zap.New(core))

	id := spawnScript(t, orch, quickScript, "test")
	waitTask(t, orch, id)

	received := logs.FilterMessage("task_event=received").All()
	if len(received) != 1 {
		t.Fatalf("Expected one received entry, got %d", len(received))
	}
	fields := received[0].ContextMap()
	if fields["task_id"] != id {
		t.Errorf("Expected task_id %s, got %v", id, fields["task_id"])
	}
	if fields["status"] != "running" {
		t.Errorf("Expected running status, got %v", fields["status"])
	}
	if fields["engine"] != "script" {
		t.Errorf("Expected script engine, got %v", fields["engine"])
	}
}

func TestTaskLifecycleLogging_Finished(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	orch, _ := setupWithLogger(t, zap.New(core))

	id := spawnScript(t, orch, quickScript)
	waitTask(t, orch, id)
	// finished is logged after the handler reports done.
	waitFor(t, func() bool { return logs.FilterMessage("task_event=finished").Len() > 0 })

	entry := logs.FilterMessage("task_event=finished").All()[0]
	if entry.ContextMap()["status"] != "completed" {
		t.Errorf("Expected completed status, got %v", entry.ContextMap()["status"])
	}
}

func TestTruncateForLog(t *testing.T) {
	if got := truncateForLog("short", 10); got != "short" {
		t.Errorf("Expected untouched string, got %q", got)
	}
	got := truncateForLog(strings.Repeat("é", 20), 10)
	if got != strings.Repeat("é", 7)+"..." {
		t.Errorf("Unexpected truncation %q", got)
	}
	if truncateForLog("x", 0) != "" {
		t.Error("Expected empty string for zero max")
	}
}
