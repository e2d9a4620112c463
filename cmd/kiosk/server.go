package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"checkin/internal/httpmiddleware"
	"checkin/internal/kiosk"
	"checkin/internal/notify"
	"checkin/internal/scan"
)

// server holds what the HTTP surface talks to.
type server struct {
	registrar *kiosk.Registrar
	collector *scan.Collector
	hub       *notify.Hub
	conn      kiosk.Connectivity
	ping      func(ctx context.Context) error
	redisOK   func(ctx context.Context) bool // nil without a redis feed
	gatherer  prometheus.Gatherer
	limiter   *httpmiddleware.TokenBucket
	log       zerolog.Logger
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.Logger(s.log, "/healthz", "/metrics"))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1")
	v1.GET("/outcomes", s.outcomes)
	v1.GET("/queue", s.queueStatus)

	limited := v1.Group("", s.limiter.GinMiddleware())
	limited.POST("/keys", s.keys)
	limited.POST("/registrations", s.registrations)
	return r
}

func (s *server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := s.ping(ctx) == nil
	body := gin.H{"status": "ok", "db": dbHealthy, "pending": s.registrar.Len()}
	status := http.StatusOK
	if s.redisOK != nil {
		redisHealthy := s.redisOK(ctx)
		body["redis"] = redisHealthy
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
	}
	if !dbHealthy {
		// requests still queue while the store is away
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

func (s *server) keys(c *gin.Context) {
	var req struct {
		Key      string `json:"key" binding:"required"`
		Editable bool   `json:"editable"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.collector.Feed(scan.KeyEvent{Key: req.Key, Editable: req.Editable})
	c.JSON(http.StatusAccepted, gin.H{"accumulating": s.collector.Accumulating()})
}

func (s *server) registrations(c *gin.Context) {
	var req struct {
		AccountID string `json:"account_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := scan.Normalize(req.AccountID)
	if !scan.Complete(id) {
		s.registrar.Enqueue(id, kiosk.SourceManual) // reports the invalid id to the presentation
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "account id must be 6 digits"})
		return
	}
	if !s.registrar.Enqueue(id, kiosk.SourceManual) {
		c.JSON(http.StatusOK, gin.H{"queued": false, "reason": "debounced"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "account_id": id, "pending": s.registrar.Len()})
}

func (s *server) queueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending":      s.registrar.Len(),
		"online":       s.conn.Online(),
		"accumulating": s.collector.Accumulating(),
	})
}

// outcomes streams notifications as server-sent events.
func (s *server) outcomes(c *gin.Context) {
	ch, cancel := s.hub.Subscribe(32)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case o, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(o.Type, o)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
