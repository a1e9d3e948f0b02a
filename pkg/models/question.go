package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidQuestion is returned when a question fails validation.
var ErrInvalidQuestion = errors.New("invalid question")

// QuestionKind tells the consumer how the question should be answered.
type QuestionKind string

const (
	QuestionChoice       QuestionKind = "choice"
	QuestionConfirmation QuestionKind = "confirmation"
	QuestionFreeText     QuestionKind = "free_text"
)

// Valid reports whether k is a known kind.
func (k QuestionKind) Valid() bool {
	return k == QuestionChoice || k == QuestionConfirmation || k == QuestionFreeText
}

// QuestionState is the lifecycle state of a question.
type QuestionState string

const (
	QuestionPending    QuestionState = "pending"
	QuestionAnswered   QuestionState = "answered"
	QuestionTimedOut   QuestionState = "timed_out"
	QuestionCancelled  QuestionState = "cancelled"
	QuestionSuperseded QuestionState = "superseded"
)

// Question is a request for input raised by a running task.
type Question struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	Prompt      string        `json:"prompt"`
	Kind        QuestionKind  `json:"kind"`
	Suggestions []string      `json:"suggestions,omitempty"`
	State       QuestionState `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
}

// NewQuestion validates its arguments and returns a pending question.
func NewQuestion(taskID, prompt string, kind QuestionKind, suggestions []string) (*Question, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrInvalidQuestion)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidQuestion, kind)
	}
	if kind != QuestionFreeText && len(suggestions) == 0 {
		return nil, fmt.Errorf("%w: %s question needs suggestions", ErrInvalidQuestion, kind)
	}
	var sugg []string
	if len(suggestions) > 0 {
		sugg = append([]string(nil), suggestions...)
	}
	return &Question{
		ID:          "q-" + uuid.New().String()[:8],
		TaskID:      taskID,
		Prompt:      prompt,
		Kind:        kind,
		Suggestions: sugg,
		State:       QuestionPending,
		CreatedAt:   time.Now(),
	}, nil
}

// IsPending returns true until the question is resolved.
func (q *Question) IsPending() bool {
	return q.State == QuestionPending
}

// Snapshot returns a copy that shares no mutable state with q.
func (q *Question) Snapshot() *Question {
	c := *q
	if q.Suggestions != nil {
		c.Suggestions = append([]string(nil), q.Suggestions...)
	}
	return &c
}

// Answer is the resolution of a question.
type Answer struct {
	QuestionID string    `json:"question_id"`
	Text       string    `json:"text"`
	AnsweredAt time.Time `json:"answered_at"`
}

// NewAnswer stamps an answer for the given question.
func NewAnswer(questionID, text string) Answer {
	return Answer{QuestionID: questionID, Text: text, AnsweredAt: time.Now()}
}
