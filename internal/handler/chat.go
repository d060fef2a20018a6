package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghostmesh/ghostmesh/internal/app"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/store"
)

// ChatRequest is one inbound operator message.
type ChatRequest struct {
	Ghost string `json:"ghost" binding:"required"`
	Text  string `json:"text" binding:"required"`

	// Platform identity, used when no X-Operator-Id header is present.
	// First contact auto-creates a pending operator bound to it.
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id"`
}

// ChatResponse wraps the outbound message list.
type ChatResponse struct {
	Messages any `json:"messages"`
}

type chatHandler struct {
	app *app.App
}

func (h *chatHandler) Handle(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op, err := resolveOperator(c, h.app, req.Platform, req.ExternalID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	out, err := h.app.Chat.HandleOperatorMessage(c.Request.Context(), op, req.Ghost, req.Text, nil)
	if err != nil {
		var busy *inflight.ErrBusy
		if errors.As(err, &busy) {
			c.JSON(http.StatusConflict, gin.H{"error": "a turn is already in flight for this session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, ChatResponse{Messages: out})
}

// resolveOperator maps the request to an operator: the explicit header
// wins, otherwise the (platform, external_id) interface binding, with
// first contact creating a pending operator awaiting admin approval.
func resolveOperator(c *gin.Context, a *app.App, platform, externalID string) (*store.Operator, error) {
	if id := c.GetHeader("X-Operator-Id"); id != "" {
		return a.Control.GetOperator(id)
	}
	if platform == "" {
		platform = "api"
	}
	if externalID == "" {
		return nil, errors.New("external_id or X-Operator-Id is required")
	}
	op, err := a.Control.OperatorForInterface(platform, externalID)
	if err != nil {
		return nil, err
	}
	if op != nil {
		return op, nil
	}
	op, err = a.Control.CreateOperator(externalID, platform)
	if err != nil {
		return nil, err
	}
	if err := a.Control.BindInterface(platform, externalID, op.ID); err != nil {
		return nil, err
	}
	return op, nil
}
