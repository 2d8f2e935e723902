package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/errorledger"
	"github.com/example/ticketpilot/backend/internal/models"
)

func (s *Server) listErrors(c *gin.Context) {
	f := errorledger.Filter{
		Severity:   models.Severity(c.Query("severity")),
		EntityType: c.Query("entityType"),
	}
	if raw := c.Query("ticketId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticketId", "kind": apperr.KindValidation})
			return
		}
		f.TicketID = id
	}
	if raw := c.Query("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolved flag", "kind": apperr.KindValidation})
			return
		}
		f.Resolved = &resolved
	}
	f.Limit, _ = strconv.Atoi(c.Query("limit"))

	rows, err := s.workflow.Ledger().List(c.Request.Context(), tenant(c), f)
	s.respond(c, http.StatusOK, rows, err)
}

func (s *Server) resolveError(c *gin.Context) {
	id, ok := uuidParam(c, "errorId")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	var payload struct {
		Note string `json:"note"`
	}
	if c.Request.ContentLength != 0 && !bindJSON(c, &payload) {
		return
	}
	row, err := s.workflow.Ledger().Resolve(c.Request.Context(), tenant(c), id, user, payload.Note)
	s.respond(c, http.StatusOK, row, err)
}

func (s *Server) bulkResolveErrors(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	var payload struct {
		IDs  []uuid.UUID `json:"ids" binding:"required"`
		Note string      `json:"note"`
	}
	if !bindJSON(c, &payload) {
		return
	}
	n, err := s.workflow.Ledger().BulkResolve(c.Request.Context(), tenant(c), payload.IDs, user, payload.Note)
	s.respond(c, http.StatusOK, gin.H{"resolved": n}, err)
}

func (s *Server) retryError(c *gin.Context) {
	id, ok := uuidParam(c, "errorId")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	res, err := s.workflow.RetryFailedOperation(c.Request.Context(), tenant(c), id, user)
	s.respond(c, http.StatusAccepted, res, err)
}
