package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/example/ticketpilot/backend/internal/models"
)

func (s *Server) createTicket(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	var payload struct {
		Title                 string              `json:"title" binding:"required"`
		Description           string              `json:"description"`
		RepositoryID          string              `json:"repositoryId"`
		RequiredApprovalCount int                 `json:"requiredApprovalCount"`
		Source                models.TicketSource `json:"source"`
		ExternalSystem        string              `json:"externalSystem"`
		ExternalKey           string              `json:"externalKey"`
		ExternalURL           string              `json:"externalUrl"`
	}
	if !bindJSON(c, &payload) {
		return
	}
	ticket := &models.Ticket{
		TenantID:              tenant(c),
		Title:                 payload.Title,
		Description:           payload.Description,
		RepositoryID:          payload.RepositoryID,
		RequiredApprovalCount: payload.RequiredApprovalCount,
		Source:                payload.Source,
		ExternalSystem:        payload.ExternalSystem,
		ExternalKey:           payload.ExternalKey,
		ExternalURL:           payload.ExternalURL,
		CreatedBy:             user,
	}
	s.respond(c, http.StatusCreated, ticket, s.workflow.CreateTicket(c.Request.Context(), ticket))
}

func (s *Server) listTickets(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	tickets, err := s.workflow.ListTickets(c.Request.Context(), tenant(c), limit)
	s.respond(c, http.StatusOK, tickets, err)
}

func (s *Server) getTicket(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	ticket, err := s.workflow.GetTicket(c.Request.Context(), tenant(c), id)
	s.respond(c, http.StatusOK, ticket, err)
}

func (s *Server) deleteTicket(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	if err := s.workflow.DeleteTicket(c.Request.Context(), tenant(c), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startTicket(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	res, err := s.workflow.TriggerWorkflow(c.Request.Context(), tenant(c), id, user)
	s.respond(c, http.StatusOK, res, err)
}

func (s *Server) cancelTicket(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength != 0 && !bindJSON(c, &payload) {
		return
	}
	res, err := s.workflow.Cancel(c.Request.Context(), tenant(c), id, user, payload.Reason)
	s.respond(c, http.StatusOK, res, err)
}

func (s *Server) listEvents(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	events, err := s.workflow.GetEvents(c.Request.Context(), tenant(c), id)
	s.respond(c, http.StatusOK, events, err)
}

func (s *Server) listCheckpoints(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	cps, err := s.workflow.ListCheckpoints(c.Request.Context(), tenant(c), id)
	s.respond(c, http.StatusOK, cps, err)
}

func (s *Server) allowedTriggers(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	kinds, err := s.workflow.AllowedTriggers(c.Request.Context(), tenant(c), id)
	s.respond(c, http.StatusOK, gin.H{"triggers": kinds}, err)
}

func (s *Server) listQuestions(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	qs, err := s.workflow.ListQuestions(c.Request.Context(), tenant(c), id)
	s.respond(c, http.StatusOK, qs, err)
}

func (s *Server) submitAnswers(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	var payload struct {
		Answers map[uuid.UUID]string `json:"answers" binding:"required"`
	}
	if !bindJSON(c, &payload) {
		return
	}
	res, err := s.workflow.SubmitAnswers(c.Request.Context(), tenant(c), id, user, payload.Answers)
	s.respond(c, http.StatusOK, res, err)
}

func (s *Server) listPlans(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	plans, err := s.workflow.ListPlans(c.Request.Context(), tenant(c), id)
	s.respond(c, http.StatusOK, plans, err)
}
