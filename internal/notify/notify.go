// Package notify defines fire-and-forget user notifications.
package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind names what a notification is about.
type Kind string

const (
	KindReviewerAssigned  Kind = "reviewer_assigned"
	KindPlanApproved      Kind = "plan_approved"
	KindPlanRejected      Kind = "plan_rejected"
	KindMention           Kind = "mention"
	KindQuestionsAsked    Kind = "questions_asked"
	KindTicketUpdateReady Kind = "ticket_update_ready"
	KindPullRequestOpened Kind = "pull_request_opened"
	KindTicketFailed      Kind = "ticket_failed"
)

// Notification is addressed to one or more users of a tenant.
type Notification struct {
	TenantID   string            `json:"tenantId"`
	TicketID   uuid.UUID         `json:"ticketId"`
	Kind       Kind              `json:"kind"`
	Recipients []string          `json:"recipients"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Notifier delivers notifications. Failures are reported but never affect workflow state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to the log. Used when no broker is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Log.Info("notification",
		zap.String("tenant_id", n.TenantID),
		zap.String("ticket_id", n.TicketID.String()),
		zap.String("kind", string(n.Kind)),
		zap.Strings("recipients", n.Recipients),
		zap.String("message", n.Message),
	)
	return nil
}
