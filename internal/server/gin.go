package server

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(s.corsConfig()))

	// Optional convenience redirect.
	r.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/ui")
	})

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	// UI.
	r.GET("/ui", s.handleUIIndex)
	r.GET("/ui/", s.handleUIIndex)
	r.GET("/ui/partials/tasks", s.handleUITasks)
	r.GET("/ui/partials/log", s.handleUILog)

	r.GET("/panel/ws", s.handlePanelSocket)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/stats", s.handleAPIStats)
		api.GET("/tasks", s.handleAPITasksList)
		api.POST("/tasks", s.handleAPITaskStart)
		api.GET("/tasks/:id", s.handleAPITaskGet)
		api.DELETE("/tasks/:id", s.handleAPITaskDelete)
		api.GET("/tasks/:id/log", s.handleAPITaskLog)
		api.GET("/tasks/:id/question", s.handleAPIQuestionGet)
		api.DELETE("/tasks/:id/question", s.handleAPIQuestionCancel)
		api.POST("/tasks/:id/answer", s.handleAPIAnswer)
		api.POST("/tasks/:id/cancel", s.handleAPITaskCancel)
		if s.history != nil {
			api.GET("/tasks/:id/questions", s.handleAPIQuestionHistory)
		}
	}

	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	if len(s.origins) == 0 || slices.Contains(s.origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
	}
	return cfg
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleAPIStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.GetStats())
}
