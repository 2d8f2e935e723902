package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/service"
	"github.com/example/ticketpilot/backend/internal/statemachine"
)

// pullRequestActions maps source control webhook actions onto triggers.
var pullRequestActions = map[string]statemachine.Kind{
	"review_requested": statemachine.TriggerReviewStarted,
	"review_started":   statemachine.TriggerReviewStarted,
	"merged":           statemachine.TriggerReviewCompleted,
	"closed":           statemachine.TriggerReviewCompleted,
}

// pullRequestWebhook receives pull request events. The delivery id header is the dedupe key, so
// redelivered webhooks are acknowledged without applying the trigger twice.
func (s *Server) pullRequestWebhook(c *gin.Context) {
	delivery := c.GetHeader(headerDelivery)
	if delivery == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": headerDelivery + " header is required", "kind": apperr.KindValidation})
		return
	}
	var payload struct {
		TenantID string    `json:"tenantId" binding:"required"`
		TicketID uuid.UUID `json:"ticketId" binding:"required"`
		Action   string    `json:"action" binding:"required"`
		Sender   string    `json:"sender"`
	}
	if !bindJSON(c, &payload) {
		return
	}
	kind, ok := pullRequestActions[payload.Action]
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{"ignored": payload.Action})
		return
	}
	res, err := s.workflow.HandleExternalTrigger(c.Request.Context(), service.ExternalTrigger{
		TenantID:  payload.TenantID,
		TicketID:  payload.TicketID,
		Kind:      kind,
		DedupeKey: "pr:" + delivery,
		Actor:     payload.Sender,
		Reason:    "pull request " + payload.Action,
	})
	s.respond(c, http.StatusOK, res, err)
}
