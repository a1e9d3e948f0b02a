package server

import (
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sevir/cadence/pkg/models"
	uiassets "github.com/sevir/cadence/ui"
)

const uiLogTailBytes = 1024 * 1024

type uiTaskRow struct {
	ID            string
	Status        models.TaskStatus
	StatusClass   string
	Engine        string
	TokensText    string
	WhenText      string
	WhenTitle     string
	Tags          []string
	PromptExcerpt string
}

type uiTasksVM struct {
	Tasks []uiTaskRow
}

type uiLogVM struct {
	TaskID string
	Log    string
}

func (s *Server) getUITemplates() (*template.Template, error) {
	s.uiOnce.Do(func() {
		s.uiTpl, s.uiTplErr = template.ParseFS(fs.FS(uiassets.FS), "partials/*.html")
	})
	return s.uiTpl, s.uiTplErr
}

func (s *Server) handleUIIndex(c *gin.Context) {
	data, err := fs.ReadFile(uiassets.FS, "index.html")
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

func (s *Server) handleUITasks(c *gin.Context) {
	var statuses []models.TaskStatus
	if status := strings.TrimSpace(c.Query("status")); status != "" && status != "all" {
		statuses = []models.TaskStatus{models.TaskStatus(status)}
	}

	tasks, err := s.orchestrator.ListTasks(models.ListRequest{Status: statuses})
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	vm := uiTasksVM{Tasks: make([]uiTaskRow, 0, len(tasks))}
	for _, t := range tasks {
		when := t.CreatedAt
		if t.StartedAt != nil {
			when = *t.StartedAt
		}

		tokensText := "-"
		if !t.TokenUsage.IsZero() {
			tokensText = formatTokens(t.TokenUsage)
		}

		vm.Tasks = append(vm.Tasks, uiTaskRow{
			ID:            t.ID,
			Status:        t.Status,
			StatusClass:   statusClass(t.Status),
			Engine:        t.Engine,
			TokensText:    tokensText,
			WhenText:      when.Format("2006-01-02 15:04:05"),
			WhenTitle:     when.Format(time.RFC3339),
			Tags:          t.Tags,
			PromptExcerpt: truncate(sanitizeExcerpt(t.Prompt), 100),
		})
	}

	s.renderPartial(c, "tasks.html", vm)
}

func (s *Server) handleUILog(c *gin.Context) {
	taskID := strings.TrimSpace(c.Query("task_id"))
	if taskID == "" {
		c.String(http.StatusBadRequest, "missing task_id")
		return
	}

	task, err := s.orchestrator.GetTask(taskID)
	if err != nil {
		c.String(http.StatusNotFound, err.Error())
		return
	}

	logText := ""
	if task.LogFile != "" {
		logText = readLastBytes(task.LogFile, uiLogTailBytes)
	}
	if logText == "" {
		logText = task.Result
	}
	if logText == "" {
		logText = task.Error
	}

	s.renderPartial(c, "log.html", uiLogVM{TaskID: task.ID, Log: logText})
}

func (s *Server) renderPartial(c *gin.Context, name string, vm any) {
	tpl, err := s.getUITemplates()
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := tpl.ExecuteTemplate(c.Writer, name, vm); err != nil {
		s.logger.Warn("ui template failed", zap.String("template", name), zap.Error(err))
	}
}

func formatTokens(u models.TokenUsage) string {
	return fmt.Sprintf("%d (%d in / %d out)", u.Total, u.Prompt, u.Completion)
}

func statusClass(st models.TaskStatus) string {
	switch st {
	case models.TaskStatusRunning, models.TaskStatusCompleting:
		return "st-running"
	case models.TaskStatusWaitingForAnswer:
		return "st-waiting"
	case models.TaskStatusCompleted:
		return "st-completed"
	case models.TaskStatusFailed:
		return "st-failed"
	case models.TaskStatusCancelled:
		return "st-cancelled"
	default:
		return ""
	}
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

func readLastBytes(path string, max int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return ""
	}

	start := int64(0)
	if size := st.Size(); size > max {
		start = size - max
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return ""
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(b)
}
