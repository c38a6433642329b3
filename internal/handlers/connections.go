package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/doppelhq/doppel/internal/log"
	"github.com/doppelhq/doppel/internal/services"

	"github.com/gin-gonic/gin"
)

// ConnectionBroker is the subset of broker operations the connection
// endpoints need.
type ConnectionBroker interface {
	InitiateConnection(ctx context.Context, userID, tool string) (*services.InitiateResult, error)
	ActiveConnections(ctx context.Context, userID string) ([]string, map[string]string, error)
	DeleteConnection(ctx context.Context, connectionID string) error
}

// ConnectionsHandler serves the connection-status, connection-initiate and
// connection-disconnect endpoints consumed by the setup client.
type ConnectionsHandler struct {
	broker ConnectionBroker
}

// NewConnectionsHandler creates a ConnectionsHandler backed by the given
// broker.
func NewConnectionsHandler(broker ConnectionBroker) *ConnectionsHandler {
	return &ConnectionsHandler{broker: broker}
}

// HandleStatus reports which tools a user has active connections for.
// GET /api/connections/status?user=U1
func (h *ConnectionsHandler) HandleStatus(c *gin.Context) {
	userID := c.Query("user")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user parameter"})
		return
	}

	ctx := c.Request.Context()
	tools, ids, err := h.broker.ActiveConnections(ctx, userID)
	if err != nil {
		log.Error(ctx, "Failed to query connection status", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query connections"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connectedTools": tools,
		"connectionIds":  ids,
	})
}

// HandleInitiate starts a connection attempt for (tool, user).
// GET /api/connections/initiate?tool=slack&user=U1
func (h *ConnectionsHandler) HandleInitiate(c *gin.Context) {
	tool := c.Query("tool")
	userID := c.Query("user")
	if tool == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tool or user parameter"})
		return
	}

	ctx := c.Request.Context()
	result, err := h.broker.InitiateConnection(ctx, userID, tool)
	if err != nil {
		if errors.Is(err, services.ErrUnknownTool) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tool: " + tool})
			return
		}
		log.Error(ctx, "Failed to initiate connection", "error", err, "user_id", userID, "tool", tool)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to initiate connection"})
		return
	}

	if result.AlreadyConnected {
		c.JSON(http.StatusOK, gin.H{"alreadyConnected": true, "connectionId": result.ConnectionID})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"redirectUrl":         result.RedirectURL,
		"connectionRequestId": result.RequestID,
	})
}

// HandleDisconnect deletes a connection record.
// DELETE /api/connections/:id
func (h *ConnectionsHandler) HandleDisconnect(c *gin.Context) {
	connectionID := c.Param("id")
	if connectionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing connection id"})
		return
	}

	ctx := c.Request.Context()
	if err := h.broker.DeleteConnection(ctx, connectionID); err != nil {
		if errors.Is(err, services.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		log.Error(ctx, "Failed to delete connection", "error", err, "connection_id", connectionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete connection"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
