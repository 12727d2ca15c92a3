// Package api exposes the orchestrator over REST, server-sent events, and a
// websocket feed.
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"borgwarden/internal/auth"
	"borgwarden/internal/crypto"
	"borgwarden/internal/database"
	"borgwarden/internal/jobs"
	"borgwarden/internal/scheduler"
	"borgwarden/internal/websocket"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Server wraps the REST API server.
type Server struct {
	handler *Handler
	router  *gin.Engine
	hub     *websocket.Hub
}

// NewServer builds the router with all routes registered.
func NewServer(db *gorm.DB, dbm *database.Manager, jm *jobs.Manager, sched *scheduler.Scheduler,
	authsvc *auth.Service, box *crypto.Box, hub *websocket.Hub, logger *slog.Logger) *Server {

	handler := NewHandler(db, dbm, jm, sched, authsvc, box, logger)

	// gin.New() instead of gin.Default(): the SSE endpoints are long-lived
	// and would flood the default logger.
	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		if param.Path == "/api/v1/events" || param.Path == "/ws" {
			return ""
		}
		return fmt.Sprintf("[%s] %s %s %d %s %s %s\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.ClientIP,
			param.Method,
			param.StatusCode,
			param.Latency,
			param.Path,
			param.ErrorMessage,
		)
	}))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/healthz", handler.Health)
	router.GET("/ws", websocket.Handle(hub))

	api := router.Group("/api/v1")
	{
		api.POST("/auth/login", handler.Login)

		protected := api.Group("")
		protected.Use(authsvc.Middleware())
		{
			protected.GET("/stats", handler.GetStats)

			protected.GET("/jobs", handler.ListJobs)
			protected.GET("/jobs/:id", handler.GetJob)
			protected.GET("/jobs/:id/status", handler.GetJobStatus)
			protected.GET("/jobs/:id/output", handler.StreamJobOutput)
			protected.POST("/jobs/:id/cancel", handler.CancelJob)
			protected.DELETE("/jobs/:id", handler.CleanupJob)

			protected.POST("/backups", handler.CreateBackup)
			protected.POST("/commands", handler.RunCommand)

			protected.GET("/events", handler.StreamEvents)

			protected.GET("/repositories", handler.ListRepositories)
			protected.POST("/repositories", handler.CreateRepository)
			protected.PUT("/repositories/:id", handler.UpdateRepository)
			protected.DELETE("/repositories/:id", handler.DeleteRepository)
			protected.GET("/repositories/:id/jobs", handler.ListRepositoryJobs)

			protected.GET("/schedules", handler.ListSchedules)
			protected.POST("/schedules", handler.CreateSchedule)
			protected.PUT("/schedules/:id", handler.UpdateSchedule)
			protected.DELETE("/schedules/:id", handler.DeleteSchedule)

			protected.GET("/cloud-sync-configs", handler.ListCloudSyncConfigs)
			protected.POST("/cloud-sync-configs", handler.CreateCloudSyncConfig)
			protected.DELETE("/cloud-sync-configs/:id", handler.DeleteCloudSyncConfig)

			protected.GET("/notification-configs", handler.ListNotificationConfigs)
			protected.POST("/notification-configs", handler.CreateNotificationConfig)
			protected.DELETE("/notification-configs/:id", handler.DeleteNotificationConfig)
		}
	}

	return &Server{handler: handler, router: router, hub: hub}
}

// Router returns the underlying gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
