package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/models"
)

type rejection struct {
	Reason     string `json:"reason" binding:"required"`
	Regenerate bool   `json:"regenerate"`
}

func (s *Server) approvePlan(c *gin.Context) {
	id, ok := uuidParam(c, "id")
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
	res, err := s.workflow.ApprovePlan(c.Request.Context(), tenant(c), id, user, payload.Note)
	s.respond(c, http.StatusOK, res, err)
}

func (s *Server) rejectPlan(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	var payload rejection
	if !bindJSON(c, &payload) {
		return
	}
	res, err := s.workflow.RejectPlan(c.Request.Context(), tenant(c), id, user, payload.Reason, payload.Regenerate)
	s.respond(c, http.StatusOK, res, err)
}

func (s *Server) listReviews(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	rows, err := s.workflow.ListReviews(c.Request.Context(), tenant(c), id)
	s.respond(c, http.StatusOK, rows, err)
}

func (s *Server) assignReviewers(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	var payload struct {
		Reviewers []approval.Reviewer `json:"reviewers" binding:"required,min=1"`
	}
	if !bindJSON(c, &payload) {
		return
	}
	rows, err := s.workflow.AssignReviewers(c.Request.Context(), tenant(c), id, user, payload.Reviewers)
	s.respond(c, http.StatusOK, rows, err)
}

func (s *Server) removeReviewer(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	res, err := s.workflow.RemoveReviewer(c.Request.Context(), tenant(c), id, c.Param("reviewerId"), user)
	s.respond(c, http.StatusOK, res, err)
}

func (s *Server) listComments(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	rows, err := s.workflow.ListComments(c.Request.Context(), tenant(c), id)
	s.respond(c, http.StatusOK, rows, err)
}

func (s *Server) addComment(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	var payload struct {
		Body     string     `json:"body" binding:"required"`
		ParentID *uuid.UUID `json:"parentId"`
	}
	if !bindJSON(c, &payload) {
		return
	}
	comment := &models.ReviewComment{
		TenantID: tenant(c),
		TicketID: id,
		ParentID: payload.ParentID,
		AuthorID: user,
		Body:     payload.Body,
	}
	s.respond(c, http.StatusCreated, comment, s.workflow.AddComment(c.Request.Context(), comment))
}

func (s *Server) listTicketUpdates(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	rows, err := s.workflow.ListTicketUpdates(c.Request.Context(), tenant(c), id)
	s.respond(c, http.StatusOK, rows, err)
}

func (s *Server) approveTicketUpdate(c *gin.Context) {
	id, ok := uuidParam(c, "updateId")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	res, err := s.workflow.ApproveTicketUpdate(c.Request.Context(), tenant(c), id, user)
	s.respond(c, http.StatusOK, res, err)
}

func (s *Server) rejectTicketUpdate(c *gin.Context) {
	id, ok := uuidParam(c, "updateId")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	var payload rejection
	if !bindJSON(c, &payload) {
		return
	}
	res, err := s.workflow.RejectTicketUpdate(c.Request.Context(), tenant(c), id, user, payload.Reason, payload.Regenerate)
	s.respond(c, http.StatusOK, res, err)
}

func (s *Server) proceedWithoutUpdate(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	user, ok := actor(c)
	if !ok {
		return
	}
	res, err := s.workflow.ProceedWithoutTicketUpdate(c.Request.Context(), tenant(c), id, user)
	s.respond(c, http.StatusOK, res, err)
}
