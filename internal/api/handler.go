package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"biodata-backend/config"
	"biodata-backend/internal/clock"
	"biodata-backend/internal/metrics"
	"biodata-backend/internal/monitor"
	"biodata-backend/internal/notification"
	"biodata-backend/internal/session"
	"biodata-backend/internal/store"
)

// Deps are the collaborators the API handlers need.
type Deps struct {
	Hub      *monitor.Hub
	Sessions *session.Registry
	Tokens   *notification.TokenRegistry
	Store    store.Store
	Push     config.PushConfig
	Clock    clock.Clock
	Log      *logrus.Entry
	Metrics  *metrics.Metrics
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	hub      *monitor.Hub
	sessions *session.Registry
	tokens   *notification.TokenRegistry
	store    store.Store
	push     config.PushConfig
	clock    clock.Clock
	log      *logrus.Entry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler. allowedOrigins limits WebSocket
// upgrades; "*" or an empty list allows every origin.
func NewHandler(deps Deps, allowedOrigins []string) *Handler {
	return &Handler{
		hub:      deps.Hub,
		sessions: deps.Sessions,
		tokens:   deps.Tokens,
		store:    deps.Store,
		push:     deps.Push,
		clock:    deps.Clock,
		log:      deps.Log,
		metrics:  deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients such as the sensors send no origin.
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Health reports that the process is serving.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// GetVAPIDPublicKey returns the VAPID public key observers subscribe with.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.push.PublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vapid keys are not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"public_key": h.push.PublicKey})
}
