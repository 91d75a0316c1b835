package api

import (
	"encoding/json"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"biodata-backend/internal/notification"
)

type putTokenRequest struct {
	ObserverID   string                `json:"observerId" binding:"required"`
	Token        string                `json:"token"`
	Subscription *webpush.Subscription `json:"subscription"`
}

// PutObserverToken registers the push token of an observer. A token that was
// registered by another observer moves to this one.
func (h *Handler) PutObserverToken(c *gin.Context) {
	var req putTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token := req.Token
	if req.Subscription != nil {
		encoded, err := json.Marshal(req.Subscription)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token = string(encoded)
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token or subscription is required"})
		return
	}
	if _, err := notification.ParseSubscription(token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.tokens.Register(req.ObserverID, token)
	h.log.WithField("observer", req.ObserverID).Info("Observer push token registered")
	c.Status(http.StatusCreated)
}

type deleteTokenRequest struct {
	ObserverID string `json:"observerId" binding:"required"`
}

// DeleteObserverToken removes the push token of an observer.
func (h *Handler) DeleteObserverToken(c *gin.Context) {
	var req deleteTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.tokens.Unregister(req.ObserverID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "observer has no token"})
		return
	}
	c.Status(http.StatusNoContent)
}
