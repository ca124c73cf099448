package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/wmlink/internal/kernel"
	"github.com/danmuck/wmlink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type outputRequest struct {
	Parent    string `json:"parent"`
	Attribute string `json:"attribute" binding:"required"`
	Value     string `json:"value"`
	Type      string `json:"type"`
}

func (s *Server) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		agents := s.kernel.Agents()
		status := http.StatusOK
		if len(agents) == 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   len(agents) > 0,
			"agents":  len(agents),
			"service": s.cfg.Name,
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.Sessions()})
	})

	agents := r.Group("/agents")
	agents.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agents": s.kernel.Agents()})
	})
	agents.GET("/:agent", func(c *gin.Context) {
		snap, err := s.kernel.Snapshot(c.Param("agent"))
		if err != nil {
			abortKernelError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})
	agents.POST("/:agent/output", func(c *gin.Context) {
		var req outputRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Parent == "" {
			req.Parent = kernel.OutputLinkID
		}
		tag, value, err := s.kernel.AddOutput(c.Param("agent"), req.Parent, req.Attribute, req.Value, req.Type)
		if err != nil {
			abortKernelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"time_tag": tag, "value": value})
	})
	agents.DELETE("/:agent/output/:tag", func(c *gin.Context) {
		tag, err := strconv.ParseInt(c.Param("tag"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid time tag"})
			return
		}
		if err := s.kernel.RemoveOutput(c.Param("agent"), tag); err != nil {
			abortKernelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	agents.POST("/:agent/flush", func(c *gin.Context) {
		notice, err := s.kernel.FlushOutput(c.Param("agent"))
		if err != nil {
			abortKernelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": len(notice.Records), "timestamp_ms": notice.TimestampMS})
	})
	agents.POST("/:agent/reinit", func(c *gin.Context) {
		id, err := s.kernel.Reinit(c.Param("agent"))
		if err != nil {
			abortKernelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"input_link": id})
	})
	return r
}

func abortKernelError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, kernel.ErrUnknownAgent), errors.Is(err, kernel.ErrUnknownTimeTag):
		status = http.StatusNotFound
	case errors.Is(err, kernel.ErrUnknownParent), errors.Is(err, kernel.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, kernel.ErrRootOutput):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
