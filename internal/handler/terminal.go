package handler

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/sevir/cadence/internal/delivery/terminal"
	"github.com/sevir/cadence/internal/engine"
	"github.com/sevir/cadence/internal/question"
	"github.com/sevir/cadence/pkg/models"
)

const inputClosedReason = "terminal input closed"

// Terminal renders to a writer and takes answers line by line from a
// LineReader.
type Terminal struct {
	*Base
	out   *terminal.Transport
	input terminal.LineReader

	inputDone chan struct{}
}

// NewTerminal creates a terminal handler for task.
func NewTerminal(task *models.Task, out io.Writer, input terminal.LineReader, colorEnabled bool, deps Deps) *Terminal {
	tr := terminal.NewTransport(out, colorEnabled)
	t := &Terminal{
		Base:      NewBase(task, tr, deps),
		out:       tr,
		input:     input,
		inputDone: make(chan struct{}),
	}
	t.onPresent = t.presented
	return t
}

// Run reads answers while the task runs.
func (t *Terminal) Run(ctx context.Context, eng engine.Engine) error {
	go t.readInput()
	defer func() {
		if err := t.input.Close(); err != nil {
			t.logger.Debug("closing terminal input", zap.Error(err))
		}
	}()
	return t.Base.Run(ctx, eng)
}

func (t *Terminal) inputClosed() bool {
	select {
	case <-t.inputDone:
		return true
	default:
		return false
	}
}

func (t *Terminal) presented(_ context.Context, _ *models.Question, h question.Handle) {
	if t.inputClosed() {
		h.Cancel(inputClosedReason)
	}
}

func (t *Terminal) readInput() {
	defer func() {
		close(t.inputDone)
		if _, h, ok := t.Current(); ok {
			h.Cancel(inputClosedReason)
		}
	}()

	for {
		line, err := t.input.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Warn("terminal input failed", zap.Error(err))
			}
			return
		}
		select {
		case <-t.Done():
			return
		default:
		}

		q, h, ok := t.Current()
		if !ok {
			t.notice("no question is waiting for an answer")
			continue
		}
		text, err := terminal.ResolveInput(q, line)
		if err != nil {
			t.notice(err.Error())
			continue
		}
		if err := h.Resolve(text); err != nil {
			t.notice(err.Error())
		}
	}
}

func (t *Terminal) notice(text string) {
	if err := t.out.Notice(text); err != nil {
		t.logger.Debug("terminal notice dropped", zap.Error(err))
	}
}
