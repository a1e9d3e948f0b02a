package handler

import (
	"github.com/sevir/cadence/internal/delivery/panel"
	"github.com/sevir/cadence/pkg/models"
)

// Panel delivers over a desktop panel connection, which also carries the
// answers.
type Panel struct {
	*Base
}

// NewPanel attaches task to conn.
func NewPanel(task *models.Task, conn *panel.Conn, deps Deps) *Panel {
	p := &Panel{}
	tr := conn.Transport(task.ID, func() { p.Disconnect() })
	p.Base = NewBase(task, tr, deps)
	return p
}
