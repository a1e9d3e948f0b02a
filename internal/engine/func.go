package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sevir/cadence/pkg/models"
)

// Session is what a RunFunc uses to talk to its coordinator.
type Session interface {
	Progress(ctx context.Context, text string) error
	Ask(ctx context.Context, prompt string, kind models.QuestionKind, suggestions []string) (models.Answer, error)
	ReportUsage(ctx context.Context, tokens models.TokenUsage, tools models.ToolUsage) error
}

// Result is the outcome of a RunFunc.
type Result struct {
	Text       string
	TokenUsage models.TokenUsage
	ToolUsage  models.ToolUsage
}

// RunFunc performs a task through a Session.
type RunFunc func(ctx context.Context, s Session) (Result, error)

// Func runs a RunFunc in its own goroutine and exposes it as an Engine.
type Func struct {
	run     RunFunc
	signals chan Signal
	replies chan Reply
	stop    chan struct{}
	exited  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	mu        sync.Mutex
}

// FromFunc wraps fn. The function starts on the first call to Next. Its
// context keeps the values of that call's context but is only cancelled
// by Close.
func FromFunc(fn RunFunc) *Func {
	return &Func{
		run:     fn,
		signals: make(chan Signal),
		replies: make(chan Reply),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (f *Func) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	go func() {
		defer close(f.exited)
		defer cancel()
		res, err := f.safeRun(runCtx)
		sig := Final(res.Text, res.TokenUsage, res.ToolUsage)
		if err != nil {
			sig = Failure(err)
		}
		select {
		case f.signals <- sig:
		case <-runCtx.Done():
		case <-f.stop:
		}
	}()
}

func (f *Func) safeRun(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return f.run(ctx, session{f})
}

// Next implements Engine.
func (f *Func) Next(ctx context.Context) (Signal, error) {
	f.startOnce.Do(func() { f.start(ctx) })
	select {
	case sig := <-f.signals:
		return sig, nil
	case <-f.stop:
		return Signal{}, ErrEngineClosed
	case <-f.exited:
		return Signal{}, ErrEngineClosed
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
}

// Reply implements Engine.
func (f *Func) Reply(ctx context.Context, r Reply) error {
	select {
	case f.replies <- r:
		return nil
	case <-f.stop:
		return ErrEngineClosed
	case <-f.exited:
		return fmt.Errorf("%w: run already returned", ErrEngineClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Engine.
func (f *Func) Close() error {
	f.stopOnce.Do(func() {
		close(f.stop)
		f.mu.Lock()
		if f.cancel != nil {
			f.cancel()
		}
		f.mu.Unlock()
	})
	return nil
}

type session struct{ f *Func }

func (s session) send(ctx context.Context, sig Signal) error {
	select {
	case s.f.signals <- sig:
		return nil
	case <-s.f.stop:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s session) Progress(ctx context.Context, text string) error {
	return s.send(ctx, Progress(text))
}

func (s session) ReportUsage(ctx context.Context, tokens models.TokenUsage, tools models.ToolUsage) error {
	return s.send(ctx, Usage(tokens, tools))
}

func (s session) Ask(ctx context.Context, prompt string, kind models.QuestionKind, suggestions []string) (models.Answer, error) {
	if err := s.send(ctx, Ask(prompt, kind, suggestions)); err != nil {
		return models.Answer{}, err
	}
	select {
	case r := <-s.f.replies:
		return r.Answer, r.Err
	case <-s.f.stop:
		return models.Answer{}, ErrEngineClosed
	case <-ctx.Done():
		return models.Answer{}, ctx.Err()
	}
}
