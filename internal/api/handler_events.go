package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"biodata-backend/internal/model"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// GetDoorEvents lists the most recent door events of an identity, newest
// first, optionally filtered by status.
func (h *Handler) GetDoorEvents(c *gin.Context) {
	identity := c.Param("identity")

	status := model.EventStatus(c.Query("status"))
	switch status {
	case "", model.EventInProgress, model.EventCompleted, model.EventIncomplete:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(string(status))})
		return
	}

	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(maxEventLimit)})
			return
		}
		limit = n
	}

	events, err := h.store.ListEvents(c.Request.Context(), identity, status, limit)
	if err != nil {
		h.log.WithError(err).WithField("identity", identity).Error("Failed to list door events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list door events"})
		return
	}
	if events == nil {
		events = []model.DoorEvent{}
	}

	c.JSON(http.StatusOK, gin.H{"username": identity, "events": events})
}

// GetLatestReading returns the most recent reading received from identity.
func (h *Handler) GetLatestReading(c *gin.Context) {
	identity := c.Param("identity")

	latest, ok := h.hub.Latest(identity)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no recent reading"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username":   identity,
		"reading":    latest.Raw,
		"datetime":   latest.Datetime,
		"receivedAt": latest.ReceivedAt,
	})
}
