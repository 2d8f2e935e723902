package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/models"
)

// PlanRepository stores plan versions. Exactly one plan per ticket is active at a time.
type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Create supersedes the active plan and stores plan as the next version.
func (r *PlanRepository) Create(ctx context.Context, plan *models.ImplementationPlan) error {
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.ImplementationPlan{}).
		Where("tenant_id = ? AND ticket_id = ? AND status = ?", plan.TenantID, plan.TicketID, models.PlanActive).
		Update("status", models.PlanSuperseded).Error; err != nil {
		return errors.WithStack(err)
	}

	var maxVersion int
	if err := db.Model(&models.ImplementationPlan{}).
		Where("tenant_id = ? AND ticket_id = ?", plan.TenantID, plan.TicketID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error; err != nil {
		return errors.WithStack(err)
	}
	plan.Version = maxVersion + 1
	plan.Status = models.PlanActive
	return errors.WithStack(db.Create(plan).Error)
}

// Active returns the current plan, or a not-found error when none exists.
func (r *PlanRepository) Active(ctx context.Context, tenantID string, ticketID uuid.UUID) (*models.ImplementationPlan, error) {
	var plan models.ImplementationPlan
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ? AND status = ?", tenantID, ticketID, models.PlanActive).
		Order("version desc").
		First(&plan).Error
	if err != nil {
		return nil, apperr.FromDB(err, "active plan for ticket", ticketID)
	}
	return &plan, nil
}

// DiscardActive marks the active plan discarded so the next planning run starts from scratch.
func (r *PlanRepository) DiscardActive(ctx context.Context, tenantID string, ticketID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.ImplementationPlan{}).
		Where("tenant_id = ? AND ticket_id = ? AND status = ?", tenantID, ticketID, models.PlanActive).
		Update("status", models.PlanDiscarded)
	return res.RowsAffected, errors.WithStack(res.Error)
}

// List returns all plan versions, newest first.
func (r *PlanRepository) List(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.ImplementationPlan, error) {
	var plans []models.ImplementationPlan
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID).
		Order("version desc").
		Find(&plans).Error
	return plans, errors.WithStack(err)
}
