package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sevir/cadence/internal/delivery/panel"
	"github.com/sevir/cadence/internal/handler"
	"github.com/sevir/cadence/internal/orchestrator"
	"github.com/sevir/cadence/pkg/models"
)

// panelTarget executes panel requests against the orchestrator.
type panelTarget struct {
	orch *orchestrator.Orchestrator
}

var _ panel.Target = panelTarget{}

func (t panelTarget) Start(ctx context.Context, conn *panel.Conn, req models.SpawnRequest) (string, error) {
	h, err := t.orch.Spawn(ctx, req, func(task *models.Task, deps handler.Deps) (handler.ExecutionHandler, error) {
		return handler.NewPanel(task, conn, deps), nil
	})
	if err != nil {
		return "", err
	}
	return h.TaskID(), nil
}

func (t panelTarget) Answer(taskID, questionID, text string) error {
	_, err := t.orch.Answer(taskID, questionID, text)
	return err
}

func (t panelTarget) CancelQuestion(taskID, questionID, reason string) error {
	return t.orch.CancelQuestion(taskID, questionID, reason)
}

func (t panelTarget) Cancel(taskID, reason string) error {
	return t.orch.Cancel(taskID, reason)
}

func (s *Server) handlePanelSocket(c *gin.Context) {
	upgrader := panel.Upgrader(s.origins)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("panel upgrade failed", zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("remote", c.ClientIP()))
	conn := panel.NewConn(ws, panelTarget{orch: s.orchestrator}, logger)
	logger.Info("panel connected")
	if err := conn.Run(s.panels); err != nil {
		logger.Warn("panel connection ended", zap.Error(err))
		return
	}
	logger.Info("panel disconnected")
}
