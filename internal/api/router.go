package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"biodata-backend/config"
	"biodata-backend/internal/mw"
)

// Per-IP limiters unused for this long are forgotten.
const limiterIdle = 10 * time.Minute

const doorEventsPath = "/api/door-events/"

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg config.ServerConfig, handler *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.Logger(handler.log))

	rateLimiter := mw.RateLimiter(mw.NewIPRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, limiterIdle))

	cacheStore := cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	caching := mw.Cache(cacheStore, cfg.CacheTTL)
	handler.hub.OnEventChange(func(identity string) {
		mw.Purge(cacheStore, doorEventsPath+identity)
	})

	r.GET("/health", handler.Health)
	r.GET("/metrics", gin.WrapH(handler.metrics.Handler()))
	r.GET("/ws", handler.ServeWS)

	// API group
	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.PUT("/observers/token", handler.PutObserverToken)
		api.DELETE("/observers/token", handler.DeleteObserverToken)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)

		// GET /api/door-events/{identity}?status=&limit=
		api.GET("/door-events/:identity", caching, handler.GetDoorEvents)

		// GET /api/readings/latest/{identity}
		api.GET("/readings/latest/:identity", handler.GetLatestReading)
	}

	return r
}
