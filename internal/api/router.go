package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter registers every route at the root and again under /api.
func NewRouter(h *Handler) *gin.Engine {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Logger), cors.Default())

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Meeting task service API")
	})
	register(&r.RouterGroup, h)
	register(r.Group("/api"), h)
	return r
}

func register(g *gin.RouterGroup, h *Handler) {
	g.POST("/upload", h.upload)
	g.POST("/extract-tasks", h.extractTasks)

	g.GET("/tasks", h.listTasks)
	g.PUT("/tasks/:id", h.updateTask)
	g.DELETE("/tasks/:id", h.deleteTask)

	g.GET("/health", h.health)
	g.GET("/jobs", h.activeJobs)
	g.GET("/jobs/events", h.jobEvents)
}

// requestLogger logs one line per request with its status and latency.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).Round(time.Millisecond),
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			attrs = append(attrs, "err", errs.Last().Err)
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", attrs...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}
