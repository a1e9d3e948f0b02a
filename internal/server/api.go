package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sevir/cadence/internal/handler"
	"github.com/sevir/cadence/internal/orchestrator"
	"github.com/sevir/cadence/internal/question"
	"github.com/sevir/cadence/internal/store"
	"github.com/sevir/cadence/pkg/models"
)

const defaultLogTailBytes = 64 * 1024

// errorStatus maps orchestrator and question errors to HTTP codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, question.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotRunning), errors.Is(err, question.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

// handleAPITaskStart starts a task and streams its events on the response.
func (s *Server) handleAPITaskStart(c *gin.Context) {
	var req models.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var network *handler.Network
	attach := func(task *models.Task, deps handler.Deps) (handler.ExecutionHandler, error) {
		network = handler.NewNetwork(task, deps)
		return network, nil
	}
	if _, err := s.orchestrator.Spawn(c.Request.Context(), req, attach); err != nil {
		abortWithError(c, err)
		return
	}

	c.Header("X-Task-Id", network.TaskID())
	network.Serve(c)
}

type apiTaskListItem struct {
	models.TaskSummary
	Tags          []string `json:"tags,omitempty"`
	PromptExcerpt string   `json:"prompt_excerpt"`
	LogFile       string   `json:"log_file,omitempty"`
}

func (s *Server) handleAPITasksList(c *gin.Context) {
	statuses, err := parseStatusQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := models.ListRequest{Status: statuses, Tags: c.QueryArray("tag")}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		req.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		req.Offset = n
	}

	tasks, err := s.orchestrator.ListTasks(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]apiTaskListItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, apiTaskListItem{
			TaskSummary:   t.ToSummary(),
			Tags:          t.Tags,
			PromptExcerpt: sanitizeExcerpt(truncate(t.Prompt, 100)),
			LogFile:       t.LogFile,
		})
	}

	c.JSON(http.StatusOK, gin.H{"tasks": items})
}

func (s *Server) handleAPITaskGet(c *gin.Context) {
	task, err := s.orchestrator.GetTask(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleAPITaskDelete(c *gin.Context) {
	if err := s.orchestrator.Delete(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAPITaskCancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := s.orchestrator.Cancel(id, req.Reason); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "status": "cancelling"})
}

func (s *Server) handleAPIQuestionGet(c *gin.Context) {
	q, err := s.orchestrator.Pending(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"question": q})
}

func (s *Server) handleAPIQuestionCancel(c *gin.Context) {
	var req struct {
		QuestionID string `json:"question_id"`
		Reason     string `json:"reason"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orchestrator.CancelQuestion(c.Param("id"), req.QuestionID, req.Reason); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAPIAnswer(c *gin.Context) {
	var req struct {
		QuestionID string `json:"question_id"`
		Text       string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	qid, err := s.orchestrator.Answer(c.Param("id"), req.QuestionID, req.Text)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"question_id": qid, "status": models.QuestionAnswered})
}

func (s *Server) handleAPIQuestionHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.orchestrator.GetTask(id); err != nil {
		abortWithError(c, err)
		return
	}
	records, err := s.history.ListByTask(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []question.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"questions": records})
}

type apiLogResponse struct {
	Content    string `json:"content"`
	NextOffset int64  `json:"next_offset"`
	Truncated  bool   `json:"truncated"`
}

func (s *Server) handleAPITaskLog(c *gin.Context) {
	task, err := s.orchestrator.GetTask(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if task.LogFile == "" {
		c.JSON(http.StatusOK, apiLogResponse{})
		return
	}

	limit := int64(defaultLogTailBytes)
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}

	var offset *int64
	if v := c.Query("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		offset = &n
	}

	content, next, truncated, err := readGrowingFile(task.LogFile, offset, limit)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusOK, apiLogResponse{})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, apiLogResponse{Content: content, NextOffset: next, Truncated: truncated})
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseStatusQuery(c *gin.Context) ([]models.TaskStatus, error) {
	raw := c.QueryArray("status")
	if len(raw) == 1 && strings.Contains(raw[0], ",") {
		// Also accept a comma-separated list.
		raw = strings.Split(raw[0], ",")
	}

	var statuses []models.TaskStatus
	for _, part := range raw {
		st := models.TaskStatus(strings.TrimSpace(part))
		if st == "" {
			continue
		}
		switch st {
		case models.TaskStatusRunning, models.TaskStatusWaitingForAnswer, models.TaskStatusCompleting,
			models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled:
			statuses = append(statuses, st)
		default:
			return nil, errors.New("invalid status")
		}
	}

	return statuses, nil
}

func readGrowingFile(path string, offset *int64, limit int64) (string, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", 0, false, err
	}
	size := st.Size()

	var start int64
	truncated := false
	if offset == nil {
		if size > limit {
			start = size - limit
			truncated = true
		}
	} else {
		start = min(*offset, size)
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", 0, false, err
	}

	buf := make([]byte, int(min(limit, size-start)))
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", 0, false, err
	}

	return string(buf[:n]), start + int64(n), truncated, nil
}

// sanitizeExcerpt collapses whitespace in a prompt excerpt.
func sanitizeExcerpt(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
