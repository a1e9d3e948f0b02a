package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/cadence/pkg/models"
)

type listTasksResp struct {
	Tasks []struct {
		ID            string            `json:"id"`
		Status        models.TaskStatus `json:"status"`
		Tags          []string          `json:"tags"`
		PromptExcerpt string            `json:"prompt_excerpt"`
		TotalTokens   int64             `json:"total_tokens"`
	} `json:"tasks"`
}

type logResp struct {
	Content    string `json:"content"`
	NextOffset int64  `json:"next_offset"`
	Truncated  bool   `json:"truncated"`
}

func spawnBody(t *testing.T, script string) string {
	t.Helper()
	data, err := json.Marshal(models.SpawnRequest{Prompt: "update the config", Script: script})
	require.NoError(t, err)
	return string(data)
}

func TestAPITaskStart_StreamsUntilResult(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/tasks", "application/json", strings.NewReader(spawnBody(t, quickScript)))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))
	taskID := resp.Header.Get("X-Task-Id")
	require.NotEmpty(t, taskID)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(body)

	assert.Contains(t, stream, "event:connected")
	assert.Contains(t, stream, "event:progress")
	assert.Contains(t, stream, "event:result")
	assert.Less(t, strings.Index(stream, "event:progress"), strings.Index(stream, "event:result"))

	task, err := env.orch.Wait(context.Background(), taskID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
}

func TestAPITaskStart_AnswerOverHTTP(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/tasks", "application/json", strings.NewReader(spawnBody(t, askScript)))
	require.NoError(t, err)
	defer resp.Body.Close()
	taskID := resp.Header.Get("X-Task-Id")

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	waitLine := func(prefix string) string {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream ended before %q", prefix)
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-deadline:
				t.Fatalf("no %q line in time", prefix)
			}
		}
	}
	waitLine("event:question")

	w := env.do(t, http.MethodGet, "/api/tasks/"+taskID+"/question", "")
	require.Equal(t, http.StatusOK, w.Code)
	var qResp struct {
		Question models.Question `json:"question"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &qResp))
	assert.Equal(t, "Overwrite config.json?", qResp.Question.Prompt)

	w = env.do(t, http.MethodPost, "/api/tasks/"+taskID+"/answer", `{"text":"Yes"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), qResp.Question.ID)

	waitLine("event:usage")
	waitLine("event:result")
	data := waitLine("data:")
	assert.Contains(t, data, "Wrote 3 files (Yes).")
}

func TestAPITaskStart_BadRequests(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/api/tasks", `{"prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/tasks", `{"prompt":"x","engine":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid engine")

	w = env.do(t, http.MethodPost, "/api/tasks", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A script is always inline; a server-side path is not read.
	secret := filepath.Join(t.TempDir(), "secret.yaml")
	require.NoError(t, os.WriteFile(secret, []byte("steps:\n  - final: hunter2\n"), 0o600))
	body, err := json.Marshal(models.SpawnRequest{Prompt: "x", Script: secret})
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/api/tasks", string(body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestAPIAnswer_Errors(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/api/tasks/task-missing/answer", `{"text":"Yes"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	id := env.spawn(t, askScript)
	env.waitPending(t, id)

	w = env.do(t, http.MethodPost, "/api/tasks/"+id+"/answer", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/tasks/"+id+"/answer", `{"question_id":"q-other","text":"Yes"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/tasks/task-missing/question", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIQuestionCancel(t *testing.T) {
	env := setupTestServer(t)
	id := env.spawn(t, askScript)
	env.waitPending(t, id)

	w := env.do(t, http.MethodDelete, "/api/tasks/"+id+"/question", `{"reason":"not now"}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	task, err := env.orch.Wait(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, models.TaskStatusCompleted, task.Status)

	w = env.do(t, http.MethodGet, "/api/tasks/"+id+"/question", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPITaskCancel(t *testing.T) {
	env := setupTestServer(t)
	id := env.spawn(t, askScript)
	env.waitPending(t, id)

	w := env.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	task, err := env.orch.Wait(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)

	w = env.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", `{"reason":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/tasks/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"cancelled"`)
}

func TestAPITasksList_Filter(t *testing.T) {
	env := setupTestServer(t)

	done := env.spawn(t, quickScript, "batch")
	_, err := env.orch.Wait(context.Background(), done, 2*time.Second)
	require.NoError(t, err)
	waiting := env.spawn(t, askScript)
	env.waitPending(t, waiting)

	var resp listTasksResp
	w := env.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Tasks, 2)

	w = env.do(t, http.MethodGet, "/api/tasks?status=completed", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, done, resp.Tasks[0].ID)
	assert.Equal(t, []string{"batch"}, resp.Tasks[0].Tags)

	w = env.do(t, http.MethodGet, "/api/tasks?status=completed,waiting_for_answer", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Tasks, 2)

	w = env.do(t, http.MethodGet, "/api/tasks?tag=batch", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Tasks, 1)

	w = env.do(t, http.MethodGet, "/api/tasks?status=paused", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/tasks?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":2`)
}

func TestAPITaskDelete(t *testing.T) {
	env := setupTestServer(t)
	id := env.spawn(t, askScript)
	env.waitPending(t, id)

	w := env.do(t, http.MethodDelete, "/api/tasks/"+id, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/tasks/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/tasks/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPITaskLog_TailAndOffset(t *testing.T) {
	env := setupTestServer(t)

	logPath := filepath.Join(t.TempDir(), "task.log")
	content := strings.Repeat("0123456789", 10)
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0644))

	task := &models.Task{
		ID:        "task-log",
		Status:    models.TaskStatusCompleted,
		LogFile:   logPath,
		CreatedAt: time.Now(),
	}
	require.NoError(t, env.store.Save(task))

	var resp logResp
	w := env.do(t, http.MethodGet, "/api/tasks/task-log/log?limit=30", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, content[70:], resp.Content)
	assert.Equal(t, int64(100), resp.NextOffset)
	assert.True(t, resp.Truncated)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/task-log/log?offset=%d&limit=5", 40), "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "01234", resp.Content)
	assert.Equal(t, int64(45), resp.NextOffset)
	assert.False(t, resp.Truncated)

	w = env.do(t, http.MethodGet, "/api/tasks/task-log/log?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, os.Remove(logPath))
	w = env.do(t, http.MethodGet, "/api/tasks/task-log/log", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Content)
}

func TestAPIQuestionHistory(t *testing.T) {
	env := setupTestServer(t)
	id := env.spawn(t, askScript)
	q := env.waitPending(t, id)

	_, err := env.orch.Answer(id, q.ID, "Yes")
	require.NoError(t, err)
	_, err = env.orch.Wait(context.Background(), id, 2*time.Second)
	require.NoError(t, err)

	var resp struct {
		Questions []struct {
			Question  models.Question `json:"question"`
			Answer    *string         `json:"answer"`
			SettledAt *time.Time      `json:"settled_at"`
		} `json:"questions"`
	}
	w := env.do(t, http.MethodGet, "/api/tasks/"+id+"/questions", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Questions, 1)
	assert.Equal(t, q.ID, resp.Questions[0].Question.ID)
	assert.Equal(t, models.QuestionAnswered, resp.Questions[0].Question.State)
	require.NotNil(t, resp.Questions[0].Answer)
	assert.Equal(t, "Yes", *resp.Questions[0].Answer)

	w = env.do(t, http.MethodGet, "/api/tasks/task-missing/questions", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
