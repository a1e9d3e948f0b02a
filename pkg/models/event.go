package models

import "time"

// CompletionType separates output that keeps the stream open from the one
// event that ends it.
type CompletionType string

const (
	CompletionIntermediate CompletionType = "intermediate"
	CompletionFinal        CompletionType = "final"
)

// EventKind identifies the payload shape of a CompletionEvent.
type EventKind string

const (
	EventProgress    EventKind = "progress"
	EventQuestion    EventKind = "question"
	EventUsage       EventKind = "usage"
	EventResultChunk EventKind = "result_chunk"
	EventResult      EventKind = "result"
	EventError       EventKind = "error"
)

// ChunkInfo locates a piece of a result delivered in several events.
type ChunkInfo struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// CompletionEvent is one unit of task output.
type CompletionEvent struct {
	TaskID     string         `json:"task_id"`
	Seq        uint64         `json:"seq"`
	Kind       EventKind      `json:"kind"`
	Type       CompletionType `json:"type"`
	Payload    string         `json:"payload"`
	Question   *Question      `json:"question,omitempty"`
	TokenUsage *TokenUsage    `json:"token_usage,omitempty"`
	ToolUsage  ToolUsage      `json:"tool_usage,omitempty"`
	Chunk      *ChunkInfo     `json:"chunk,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// IsFinal reports whether the event ends the stream.
func (e CompletionEvent) IsFinal() bool {
	return e.Type == CompletionFinal
}

func newEvent(taskID string, kind EventKind, typ CompletionType) CompletionEvent {
	return CompletionEvent{TaskID: taskID, Kind: kind, Type: typ, Timestamp: time.Now()}
}

// NewProgressEvent carries partial output.
func NewProgressEvent(taskID, text string) CompletionEvent {
	ev := newEvent(taskID, EventProgress, CompletionIntermediate)
	ev.Payload = text
	return ev
}

// NewQuestionEvent announces a question to the consumer.
func NewQuestionEvent(q *Question) CompletionEvent {
	ev := newEvent(q.TaskID, EventQuestion, CompletionIntermediate)
	ev.Payload = q.Prompt
	ev.Question = q.Snapshot()
	return ev
}

// NewUsageEvent carries accumulated usage counters.
func NewUsageEvent(taskID string, tokens TokenUsage, tools ToolUsage) CompletionEvent {
	ev := newEvent(taskID, EventUsage, CompletionIntermediate)
	ev.TokenUsage = &tokens
	ev.ToolUsage = tools.Clone()
	return ev
}

// NewChunkEvent carries one non-terminal piece of a large result.
func NewChunkEvent(taskID, piece string, index, total int) CompletionEvent {
	ev := newEvent(taskID, EventResultChunk, CompletionIntermediate)
	ev.Payload = piece
	ev.Chunk = &ChunkInfo{Index: index, Total: total}
	return ev
}

// NewFinalEvent carries the task result, or the last piece of it when
// chunk is non-nil.
func NewFinalEvent(taskID, payload string, tokens TokenUsage, tools ToolUsage, chunk *ChunkInfo) CompletionEvent {
	ev := newEvent(taskID, EventResult, CompletionFinal)
	ev.Payload = payload
	ev.TokenUsage = &tokens
	ev.ToolUsage = tools.Clone()
	ev.Chunk = chunk
	return ev
}

// NewErrorEvent is the terminal event of a task that did not produce a
// result.
func NewErrorEvent(taskID string, err error) CompletionEvent {
	ev := newEvent(taskID, EventError, CompletionFinal)
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
