// Package engine defines the seam between the coordinator and whatever
// performs the agent's work.
package engine

import (
	"context"
	"errors"

	"github.com/sevir/cadence/pkg/models"
)

// ErrEngineClosed is returned by engines used after Close.
var ErrEngineClosed = errors.New("engine closed")

// SignalKind identifies what the engine is reporting.
type SignalKind string

const (
	SignalProgress SignalKind = "progress"
	SignalAsk      SignalKind = "ask"
	SignalUsage    SignalKind = "usage"
	SignalFinal    SignalKind = "final"
	SignalFailure  SignalKind = "failure"
)

// Signal is one report from the engine. Text is the progress text, the
// question prompt or the final result depending on Kind.
type Signal struct {
	Kind         SignalKind
	Text         string
	QuestionKind models.QuestionKind
	Suggestions  []string
	TokenUsage   models.TokenUsage
	ToolUsage    models.ToolUsage
	Err          error
}

// Progress reports partial output.
func Progress(text string) Signal {
	return Signal{Kind: SignalProgress, Text: text}
}

// Ask requests input. The engine waits for Reply before continuing.
func Ask(prompt string, kind models.QuestionKind, suggestions []string) Signal {
	return Signal{Kind: SignalAsk, Text: prompt, QuestionKind: kind, Suggestions: suggestions}
}

// Usage reports usage increments without output.
func Usage(tokens models.TokenUsage, tools models.ToolUsage) Signal {
	return Signal{Kind: SignalUsage, TokenUsage: tokens, ToolUsage: tools}
}

// Final reports the authoritative result and the last usage increments.
func Final(text string, tokens models.TokenUsage, tools models.ToolUsage) Signal {
	return Signal{Kind: SignalFinal, Text: text, TokenUsage: tokens, ToolUsage: tools}
}

// Failure reports that the engine cannot produce a result.
func Failure(err error) Signal {
	return Signal{Kind: SignalFailure, Err: err}
}

// Reply resumes an engine after an ask. Err is set when the question was
// not answered (timeout, cancellation, superseded).
type Reply struct {
	Answer models.Answer
	Err    error
}

// Engine is a source of signals for one task. Next is never called
// concurrently, and after an ask signal the next call is Reply.
type Engine interface {
	Next(ctx context.Context) (Signal, error)
	Reply(ctx context.Context, r Reply) error
	// Close stops the work and releases resources. It is idempotent.
	Close() error
}
