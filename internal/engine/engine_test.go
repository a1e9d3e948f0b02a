package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/cadence/pkg/models"
)

func next(t *testing.T, e Engine) Signal {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sig, err := e.Next(ctx)
	require.NoError(t, err)
	return sig
}

func TestFuncDrivesSession(t *testing.T) {
	e := FromFunc(func(ctx context.Context, s Session) (Result, error) {
		if err := s.Progress(ctx, "Analyzing files..."); err != nil {
			return Result{}, err
		}
		a, err := s.Ask(ctx, "Overwrite config.json?", models.QuestionConfirmation, []string{"Yes", "No"})
		if err != nil {
			return Result{}, err
		}
		if err := s.ReportUsage(ctx, models.TokenUsage{Prompt: 3}, nil); err != nil {
			return Result{}, err
		}
		return Result{Text: "answer=" + a.Text, ToolUsage: models.ToolUsage{"write_file": 3}}, nil
	})
	defer e.Close()

	sig := next(t, e)
	assert.Equal(t, SignalProgress, sig.Kind)
	assert.Equal(t, "Analyzing files...", sig.Text)

	sig = next(t, e)
	require.Equal(t, SignalAsk, sig.Kind)
	assert.Equal(t, models.QuestionConfirmation, sig.QuestionKind)
	assert.Equal(t, []string{"Yes", "No"}, sig.Suggestions)
	require.NoError(t, e.Reply(context.Background(), Reply{Answer: models.NewAnswer("q-1", "Yes")}))

	sig = next(t, e)
	assert.Equal(t, SignalUsage, sig.Kind)
	assert.Equal(t, int64(3), sig.TokenUsage.Prompt)

	sig = next(t, e)
	assert.Equal(t, SignalFinal, sig.Kind)
	assert.Equal(t, "answer=Yes", sig.Text)
	assert.Equal(t, int64(3), sig.ToolUsage["write_file"])
}

func TestFuncReplyErrorReachesSession(t *testing.T) {
	unanswered := errors.New("no answer")
	e := FromFunc(func(ctx context.Context, s Session) (Result, error) {
		_, err := s.Ask(ctx, "Continue?", models.QuestionFreeText, nil)
		return Result{}, err
	})
	defer e.Close()

	require.Equal(t, SignalAsk, next(t, e).Kind)
	require.NoError(t, e.Reply(context.Background(), Reply{Err: unanswered}))

	sig := next(t, e)
	require.Equal(t, SignalFailure, sig.Kind)
	assert.ErrorIs(t, sig.Err, unanswered)
}

func TestFuncOutlivesFirstNextContext(t *testing.T) {
	e := FromFunc(func(ctx context.Context, s Session) (Result, error) {
		if err := s.Progress(ctx, "working"); err != nil {
			return Result{}, err
		}
		a, err := s.Ask(ctx, "Continue?", models.QuestionFreeText, nil)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: a.Text}, nil
	})
	defer e.Close()

	first, cancel := context.WithCancel(context.Background())
	sig, err := e.Next(first)
	require.NoError(t, err)
	require.Equal(t, SignalProgress, sig.Kind)
	cancel()

	require.Equal(t, SignalAsk, next(t, e).Kind)
	require.NoError(t, e.Reply(context.Background(), Reply{Answer: models.NewAnswer("q-1", "go on")}))
	sig = next(t, e)
	require.Equal(t, SignalFinal, sig.Kind)
	assert.Equal(t, "go on", sig.Text)
}

func TestFuncReplyAfterRunReturned(t *testing.T) {
	e := FromFunc(func(context.Context, Session) (Result, error) {
		return Result{Text: "done"}, nil
	})
	defer e.Close()

	require.Equal(t, SignalFinal, next(t, e).Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.Reply(ctx, Reply{Answer: models.NewAnswer("q-1", "late")})
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.Next(ctx)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestFuncRecoversPanic(t *testing.T) {
	e := FromFunc(func(context.Context, Session) (Result, error) {
		panic("kaboom")
	})
	defer e.Close()

	sig := next(t, e)
	require.Equal(t, SignalFailure, sig.Kind)
	assert.Contains(t, sig.Err.Error(), "kaboom")
}

func TestFuncCloseStopsWork(t *testing.T) {
	stopped := make(chan struct{})
	e := FromFunc(func(ctx context.Context, s Session) (Result, error) {
		_ = s.Progress(ctx, "started")
		<-ctx.Done()
		close(stopped)
		return Result{}, ctx.Err()
	})

	require.Equal(t, SignalProgress, next(t, e).Kind)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("run function was not cancelled")
	}
	_, err := e.Next(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Reply(context.Background(), Reply{}), ErrEngineClosed)
}

func TestFuncNextHonoursContext(t *testing.T) {
	e := FromFunc(func(ctx context.Context, s Session) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
