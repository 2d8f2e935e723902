package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/models"
)

// TicketRepository provides persistence access for Ticket entities.
type TicketRepository struct {
	db *gorm.DB
}

// NewTicketRepository constructs a repository using the provided gorm DB (or transaction).
func NewTicketRepository(db *gorm.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// Create persists the ticket instance.
func (r *TicketRepository) Create(ctx context.Context, ticket *models.Ticket) error {
	if ticket.TenantID == "" {
		return apperr.Validation("ticket tenant is required")
	}
	return errors.WithStack(r.db.WithContext(ctx).Create(ticket).Error)
}

// FindByID returns the ticket by id within the tenant.
func (r *TicketRepository) FindByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.Ticket, error) {
	var ticket models.Ticket
	err := r.db.WithContext(ctx).First(&ticket, "id = ? AND tenant_id = ?", id, tenantID).Error
	if err != nil {
		return nil, apperr.FromDB(err, "ticket", id)
	}
	return &ticket, nil
}

// List returns tenant tickets ordered by creation time descending.
func (r *TicketRepository) List(ctx context.Context, tenantID string, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	var tickets []models.Ticket
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at desc").
		Limit(limit).
		Find(&tickets).Error
	return tickets, errors.WithStack(err)
}

// UpdateState writes the workflow columns of ticket if nobody changed it since expectedVersion was read.
// On success ticket.StateVersion is advanced.
func (r *TicketRepository) UpdateState(ctx context.Context, ticket *models.Ticket, expectedVersion int64) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.Ticket{}).
		Where("id = ? AND tenant_id = ? AND state_version = ?", ticket.ID, ticket.TenantID, expectedVersion).
		Updates(map[string]any{
			"current_state":       ticket.CurrentState,
			"state_version":       expectedVersion + 1,
			"graph_id":            ticket.GraphID,
			"pull_request_url":    ticket.PullRequestURL,
			"pull_request_number": ticket.PullRequestNumber,
			"updated_at":          now,
		})
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("ticket %s was modified concurrently (expected version %d)", ticket.ID, expectedVersion)
	}
	ticket.StateVersion = expectedVersion + 1
	ticket.UpdatedAt = now
	return nil
}

// Delete removes the ticket row.
func (r *TicketRepository) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&models.Ticket{})
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("ticket %s not found", id)
	}
	return nil
}
