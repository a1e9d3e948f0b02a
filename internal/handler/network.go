package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/sevir/cadence/internal/delivery/sse"
	"github.com/sevir/cadence/pkg/models"
)

// Network delivers over a server-sent event stream. Answers arrive
// through separate HTTP requests.
type Network struct {
	*Base
	transport *sse.Transport
}

// NewNetwork creates a network handler for task.
func NewNetwork(task *models.Task, deps Deps) *Network {
	tr := sse.NewTransport(deps.SinkBuffer)
	return &Network{Base: NewBase(task, tr, deps), transport: tr}
}

// Serve streams the task's events on c until the stream ends or the
// client leaves.
func (n *Network) Serve(c *gin.Context) {
	n.transport.Serve(c, n.TaskID(), n.Disconnect)
}
