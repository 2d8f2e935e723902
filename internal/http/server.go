// Package http exposes the workflow service over a gin REST API.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/service"
)

const (
	headerTenant   = "X-Tenant-ID"
	headerUser     = "X-User-ID"
	headerDelivery = "X-Delivery-ID"
)

// Server wraps the gin engine and collaborators needed to handle API requests.
type Server struct {
	Engine   *gin.Engine
	workflow *service.WorkflowService
	log      *zap.Logger
}

// NewServer constructs a new API server and registers routes.
func NewServer(workflow *service.WorkflowService, log *zap.Logger) *Server {
	router := gin.New()
	srv := &Server{Engine: router, workflow: workflow, log: log.Named("http")}
	router.Use(gin.Recovery(), srv.requestLogger())
	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.Engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Engine.POST("/webhooks/pull-requests", s.pullRequestWebhook)

	api := s.Engine.Group("/api/v1", requireTenant)
	api.POST("/tickets", s.createTicket)
	api.GET("/tickets", s.listTickets)
	api.GET("/tickets/:id", s.getTicket)
	api.DELETE("/tickets/:id", s.deleteTicket)
	api.POST("/tickets/:id/start", s.startTicket)
	api.POST("/tickets/:id/cancel", s.cancelTicket)
	api.GET("/tickets/:id/events", s.listEvents)
	api.GET("/tickets/:id/checkpoints", s.listCheckpoints)
	api.GET("/tickets/:id/allowed-triggers", s.allowedTriggers)
	api.GET("/tickets/:id/questions", s.listQuestions)
	api.POST("/tickets/:id/answers", s.submitAnswers)
	api.GET("/tickets/:id/plans", s.listPlans)
	api.POST("/tickets/:id/plan/approve", s.approvePlan)
	api.POST("/tickets/:id/plan/reject", s.rejectPlan)
	api.GET("/tickets/:id/reviewers", s.listReviews)
	api.POST("/tickets/:id/reviewers", s.assignReviewers)
	api.DELETE("/tickets/:id/reviewers/:reviewerId", s.removeReviewer)
	api.GET("/tickets/:id/comments", s.listComments)
	api.POST("/tickets/:id/comments", s.addComment)
	api.GET("/tickets/:id/updates", s.listTicketUpdates)
	api.POST("/tickets/:id/updates/skip", s.proceedWithoutUpdate)
	api.POST("/ticket-updates/:updateId/approve", s.approveTicketUpdate)
	api.POST("/ticket-updates/:updateId/reject", s.rejectTicketUpdate)

	api.GET("/errors", s.listErrors)
	api.POST("/errors/resolve", s.bulkResolveErrors)
	api.POST("/errors/:errorId/resolve", s.resolveError)
	api.POST("/errors/:errorId/retry", s.retryError)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func requireTenant(c *gin.Context) {
	if c.GetHeader(headerTenant) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": headerTenant + " header is required", "kind": apperr.KindValidation})
		return
	}
	c.Next()
}

func tenant(c *gin.Context) string { return c.GetHeader(headerTenant) }

// actor returns the calling user, or false after writing a 400.
func actor(c *gin.Context) (string, bool) {
	user := c.GetHeader(headerUser)
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": headerUser + " header is required", "kind": apperr.KindValidation})
		return "", false
	}
	return user, true
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name, "kind": apperr.KindValidation})
		return uuid.Nil, false
	}
	return id, true
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": apperr.KindValidation})
		return false
	}
	return true
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func (s *Server) respond(c *gin.Context, status int, body any, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, body)
}
