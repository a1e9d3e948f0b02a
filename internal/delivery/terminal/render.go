// Package terminal delivers task events to a terminal and reads answers
// from it.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/sevir/cadence/internal/sink"
	"github.com/sevir/cadence/pkg/models"
)

// Transport renders events as text.
type Transport struct {
	out io.Writer

	mu     sync.Mutex
	closed bool

	progress *color.Color
	prompt   *color.Color
	option   *color.Color
	info     *color.Color
	success  *color.Color
	failure  *color.Color
}

// NewTransport writes to out. Colors are used only when enabled.
func NewTransport(out io.Writer, colorEnabled bool) *Transport {
	t := &Transport{
		out:      out,
		progress: color.New(color.Faint),
		prompt:   color.New(color.FgYellow, color.Bold),
		option:   color.New(color.FgCyan),
		info:     color.New(color.FgCyan),
		success:  color.New(color.FgGreen, color.Bold),
		failure:  color.New(color.FgRed, color.Bold),
	}
	for _, c := range []*color.Color{t.progress, t.prompt, t.option, t.info, t.success, t.failure} {
		if colorEnabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return t
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Send implements sink.Transport.
func (t *Transport) Send(_ context.Context, ev models.CompletionEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return sink.ErrClosed
	}

	var err error
	switch ev.Kind {
	case models.EventProgress:
		_, err = t.progress.Fprintf(t.out, "· %s\n", ev.Payload)
	case models.EventQuestion:
		err = t.renderQuestion(ev.Question)
	case models.EventUsage:
		if ev.TokenUsage != nil {
			_, err = t.info.Fprintf(t.out, "tokens: %d (prompt %d, completion %d), tool calls: %d\n",
				ev.TokenUsage.Total, ev.TokenUsage.Prompt, ev.TokenUsage.Completion, ev.ToolUsage.Calls())
		}
	case models.EventResultChunk:
		_, err = io.WriteString(t.out, ev.Payload)
	case models.EventResult:
		if _, err = io.WriteString(t.out, ev.Payload); err == nil {
			_, err = t.success.Fprintln(t.out, "\n✓ done")
		}
	case models.EventError:
		_, err = t.failure.Fprintf(t.out, "✗ %s\n", ev.Error)
	}
	return err
}

func (t *Transport) renderQuestion(q *models.Question) error {
	if q == nil {
		return nil
	}
	if _, err := t.prompt.Fprintf(t.out, "? %s\n", q.Prompt); err != nil {
		return err
	}
	for i, s := range q.Suggestions {
		if _, err := t.option.Fprintf(t.out, "  [%d] %s\n", i+1, s); err != nil {
			return err
		}
	}
	hint := "type your answer"
	switch q.Kind {
	case models.QuestionConfirmation:
		hint = "y/n or a number"
	case models.QuestionChoice:
		hint = "a number or your own answer"
	}
	_, err := fmt.Fprintf(t.out, "  (%s)\n", hint)
	return err
}

// Notice writes a line that is not part of the task's output. It still
// works after Close.
func (t *Transport) Notice(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.progress.Fprintf(t.out, "  %s\n", text)
	return err
}

// Close implements sink.Transport. The writer is not closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// ResolveInput maps a typed line onto an answer for q. Numbers select a
// suggestion; y/n select the matching confirmation suggestion.
func ResolveInput(q *models.Question, line string) (string, error) {
	text := strings.TrimSpace(line)
	if text == "" {
		return "", fmt.Errorf("empty answer")
	}

	var n int
	if _, err := fmt.Sscanf(text, "%d", &n); err == nil && fmt.Sprint(n) == text && len(q.Suggestions) > 0 {
		if n < 1 || n > len(q.Suggestions) {
			return "", fmt.Errorf("choose between 1 and %d", len(q.Suggestions))
		}
		return q.Suggestions[n-1], nil
	}

	lower := strings.ToLower(text)
	for _, s := range q.Suggestions {
		if strings.ToLower(s) == lower {
			return s, nil
		}
	}

	if q.Kind == models.QuestionConfirmation {
		var want string
		switch lower {
		case "y", "yes":
			want = "y"
		case "n", "no":
			want = "n"
		default:
			return "", fmt.Errorf("answer y or n")
		}
		for _, s := range q.Suggestions {
			if strings.HasPrefix(strings.ToLower(s), want) {
				return s, nil
			}
		}
		return "", fmt.Errorf("no suggestion matches %q", text)
	}
	return text, nil
}
