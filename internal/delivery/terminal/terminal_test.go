package terminal

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/cadence/internal/sink"
	"github.com/sevir/cadence/pkg/models"
)

func TestTransportRendersEvents(t *testing.T) {
	var out bytes.Buffer
	tr := NewTransport(&out, false)
	ctx := context.Background()

	q, err := models.NewQuestion("task-1", "Overwrite config.json?", models.QuestionConfirmation, []string{"Yes", "No"})
	require.NoError(t, err)

	require.NoError(t, tr.Send(ctx, models.NewProgressEvent("task-1", "Analyzing files...")))
	require.NoError(t, tr.Send(ctx, models.NewQuestionEvent(q)))
	require.NoError(t, tr.Send(ctx, models.NewUsageEvent("task-1", models.TokenUsage{Prompt: 3, Completion: 1, Total: 4}, models.ToolUsage{"bash": 2})))
	require.NoError(t, tr.Send(ctx, models.NewChunkEvent("task-1", "Wrote ", 0, 2)))
	require.NoError(t, tr.Send(ctx, models.NewFinalEvent("task-1", "3 files.", models.TokenUsage{}, nil, &models.ChunkInfo{Index: 1, Total: 2})))

	got := out.String()
	assert.Contains(t, got, "· Analyzing files...\n")
	assert.Contains(t, got, "? Overwrite config.json?\n  [1] Yes\n  [2] No\n  (y/n or a number)\n")
	assert.Contains(t, got, "tokens: 4 (prompt 3, completion 1), tool calls: 2\n")
	assert.Contains(t, got, "Wrote 3 files.\n✓ done\n")
	assert.NotContains(t, got, "\x1b[")
}

func TestTransportRendersErrorsAndCloses(t *testing.T) {
	var out bytes.Buffer
	tr := NewTransport(&out, false)
	require.NoError(t, tr.Send(context.Background(), models.NewErrorEvent("task-1", io.ErrUnexpectedEOF)))
	assert.Equal(t, "✗ unexpected EOF\n", out.String())

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), models.NewProgressEvent("task-1", "x")), sink.ErrClosed)
}

func TestResolveInput(t *testing.T) {
	confirm := &models.Question{Kind: models.QuestionConfirmation, Suggestions: []string{"Yes", "No"}}
	choice := &models.Question{Kind: models.QuestionChoice, Suggestions: []string{"main", "develop"}}
	free := &models.Question{Kind: models.QuestionFreeText}

	tests := []struct {
		name    string
		q       *models.Question
		line    string
		want    string
		wantErr bool
	}{
		{"confirm number", confirm, "2", "No", false},
		{"confirm y", confirm, " y ", "Yes", false},
		{"confirm word", confirm, "NO", "No", false},
		{"confirm garbage", confirm, "perhaps", "", true},
		{"choice number", choice, "1", "main", false},
		{"choice out of range", choice, "3", "", true},
		{"choice by name", choice, "Develop", "develop", false},
		{"choice custom", choice, "feature/x", "feature/x", false},
		{"free text", free, "  use tabs  ", "use tabs", false},
		{"free text number", free, "42", "42", false},
		{"empty", free, "   ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveInput(tt.q, tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScannerReader(t *testing.T) {
	r := NewScannerReader(strings.NewReader("yes\nsecond line\n"))
	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "yes", line)
	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "second line", line)
	_, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, r.Close())
}

func TestNoticeAfterClose(t *testing.T) {
	var out bytes.Buffer
	tr := NewTransport(&out, false)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Notice("no question is waiting for an answer"))
	assert.Equal(t, "  no question is waiting for an answer\n", out.String())
}
