// Package eventlog is the append-only audit trail of everything that happened to a ticket.
package eventlog

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/models"
)

// Log appends and reads workflow events. Ordering is the append sequence (the event id).
type Log struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Log {
	return &Log{db: db}
}

// WithTx returns a Log bound to tx so an append commits or rolls back with it.
func (l *Log) WithTx(tx *gorm.DB) *Log {
	return &Log{db: tx}
}

// Append stores events in order. IDs are assigned by the database.
func (l *Log) Append(ctx context.Context, events ...*models.WorkflowEvent) error {
	for _, e := range events {
		if e.TenantID == "" || e.TicketID == uuid.Nil {
			return apperr.Validation("event requires tenant and ticket")
		}
		if e.ID != 0 {
			return apperr.Validation("event %d already appended", e.ID)
		}
		if err := l.db.WithContext(ctx).Create(e).Error; err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// List returns a ticket's events in append order.
func (l *Log) List(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.WorkflowEvent, error) {
	return l.ListAfter(ctx, tenantID, ticketID, 0)
}

// ListAfter returns events appended after the given sequence number.
func (l *Log) ListAfter(ctx context.Context, tenantID string, ticketID uuid.UUID, afterID uint64) ([]models.WorkflowEvent, error) {
	var events []models.WorkflowEvent
	err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ? AND id > ?", tenantID, ticketID, afterID).
		Order("id asc").
		Find(&events).Error
	return events, errors.WithStack(err)
}

// CountByType counts a ticket's events of one type.
func (l *Log) CountByType(ctx context.Context, tenantID string, ticketID uuid.UUID, typ models.EventType) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.WorkflowEvent{}).
		Where("tenant_id = ? AND ticket_id = ? AND type = ?", tenantID, ticketID, typ).
		Count(&n).Error
	return n, errors.WithStack(err)
}
