package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ghostmesh/ghostmesh/internal/app"
	"github.com/ghostmesh/ghostmesh/internal/store"
)

type adminHandler struct {
	app *app.App
}

func (h *adminHandler) CreateOperator(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name" binding:"required"`
		Platform    string `json:"platform" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op, err := h.app.Control.CreateOperator(req.DisplayName, req.Platform)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, operatorResponse(op))
}

func (h *adminHandler) ListOperators(c *gin.Context) {
	ops, err := h.app.Control.ListOperators(store.OperatorStatus(c.Query("status")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(ops))
	for _, op := range ops {
		out = append(out, operatorResponse(op))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *adminHandler) SetOperatorStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := store.OperatorStatus(req.Status)
	if status != store.OperatorApproved && status != store.OperatorDenied {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be approved or denied"})
		return
	}
	if err := h.app.Control.SetOperatorStatus(c.Param("id"), status); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": req.Status})
}

func (h *adminHandler) CreateGhost(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		OperatorID string `json:"operator_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, err := h.app.Control.CreateGhost(req.Name, req.OperatorID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.app.RegisterGhost(g.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": g.ID, "name": g.Name})
}

func (h *adminHandler) ListGhosts(c *gin.Context) {
	ghosts, err := h.app.Control.ListGhosts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(ghosts))
	for _, g := range ghosts {
		out = append(out, gin.H{
			"id": g.ID, "name": g.Name, "owner": g.OwnerOperator,
			"model_override": g.ModelOverride,
			"created_at":     g.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *adminHandler) ListSessions(c *gin.Context) {
	g, err := h.app.Control.GetGhostByName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ids, err := h.app.Control.ListSessions(g.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ids})
}

func (h *adminHandler) GetSession(c *gin.Context) {
	sess, err := h.app.Control.GetSession(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            sess.ID,
		"ghost_id":      sess.GhostID,
		"operator_id":   sess.Operator,
		"message_count": len(sess.Messages),
		"compactions":   sess.CompactionCount,
		"created_at":    sess.CreatedAt.Format(time.RFC3339),
		"updated_at":    sess.UpdatedAt.Format(time.RFC3339),
	})
}

func operatorResponse(op *store.Operator) gin.H {
	return gin.H{
		"id":           op.ID,
		"display_name": op.DisplayName,
		"platform":     op.Platform,
		"status":       op.Status,
		"access_level": op.AccessLevel,
		"created_at":   op.CreatedAt.Format(time.RFC3339),
	}
}
