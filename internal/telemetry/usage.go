package telemetry

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sevir/cadence/pkg/models"
)

// UsageSink receives the usage counters of a finished task.
type UsageSink interface {
	RecordUsage(ctx context.Context, taskID string, tokens models.TokenUsage, tools models.ToolUsage) error
}

// UsageFunc adapts a function to UsageSink.
type UsageFunc func(ctx context.Context, taskID string, tokens models.TokenUsage, tools models.ToolUsage) error

// RecordUsage implements UsageSink.
func (f UsageFunc) RecordUsage(ctx context.Context, taskID string, tokens models.TokenUsage, tools models.ToolUsage) error {
	return f(ctx, taskID, tokens, tools)
}

// Multi fans usage out to several sinks. Every sink is tried.
type Multi []UsageSink

// RecordUsage implements UsageSink.
func (m Multi) RecordUsage(ctx context.Context, taskID string, tokens models.TokenUsage, tools models.ToolUsage) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordUsage(ctx, taskID, tokens, tools); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes usage as a structured log line.
type LogSink struct {
	Logger *zap.Logger
}

// RecordUsage implements UsageSink.
func (s LogSink) RecordUsage(_ context.Context, taskID string, tokens models.TokenUsage, tools models.ToolUsage) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("task_event=usage",
		zap.String("task_id", taskID),
		zap.Int64("prompt_tokens", tokens.Prompt),
		zap.Int64("completion_tokens", tokens.Completion),
		zap.Int64("total_tokens", tokens.Total),
		zap.Int64("tool_calls", tools.Calls()),
		zap.Strings("tools", tools.Names()))
	return nil
}
