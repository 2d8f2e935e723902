package approval

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm/clause"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/metrics"
	"github.com/example/ticketpilot/backend/internal/models"
)

// Reviewer is one assignment request.
type Reviewer struct {
	ID         string `json:"id"`
	IsRequired bool   `json:"isRequired"`
}

// AssignReviewers adds reviewers to a ticket. Re-assigning an existing reviewer only updates
// its flags; the decision already recorded is kept.
func (g *Gate) AssignReviewers(ctx context.Context, tenantID string, ticketID uuid.UUID, assignedBy string, reviewers []Reviewer) ([]models.PlanReview, error) {
	if tenantID == "" || ticketID == uuid.Nil {
		return nil, apperr.Validation("reviewer assignment requires tenant and ticket")
	}
	now := g.now()
	for _, r := range dedupeReviewers(reviewers) {
		if r.ID == "" {
			return nil, apperr.Validation("reviewer id is required")
		}
		row := models.PlanReview{
			TenantID:   tenantID,
			TicketID:   ticketID,
			ReviewerID: r.ID,
			Status:     models.ReviewPending,
			IsRequired: r.IsRequired,
			AssignedBy: assignedBy,
			AssignedAt: now,
		}
		err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticket_id"}, {Name: "reviewer_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_required", "assigned_by", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return g.ListReviews(ctx, tenantID, ticketID)
}

func dedupeReviewers(in []Reviewer) []Reviewer {
	seen := make(map[string]int, len(in))
	out := make([]Reviewer, 0, len(in))
	for _, r := range in {
		if i, ok := seen[r.ID]; ok {
			out[i] = r
			continue
		}
		seen[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// RemoveReviewer deletes a reviewer's assignment, including any decision it made.
func (g *Gate) RemoveReviewer(ctx context.Context, tenantID string, ticketID uuid.UUID, reviewerID string) error {
	res := g.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ? AND reviewer_id = ?", tenantID, ticketID, reviewerID).
		Delete(&models.PlanReview{})
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("reviewer %s is not assigned to ticket %s", reviewerID, ticketID)
	}
	return nil
}

// Review returns one reviewer's assignment.
func (g *Gate) Review(ctx context.Context, tenantID string, ticketID uuid.UUID, reviewerID string) (*models.PlanReview, error) {
	var row models.PlanReview
	err := g.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ? AND reviewer_id = ?", tenantID, ticketID, reviewerID).
		First(&row).Error
	if err != nil {
		return nil, apperr.FromDB(err, "reviewer assignment", reviewerID)
	}
	return &row, nil
}

// RecordApproval marks the reviewer's row approved. It reports false when the reviewer had already approved.
func (g *Gate) RecordApproval(ctx context.Context, tenantID string, ticketID uuid.UUID, reviewerID, note string) (bool, error) {
	row, err := g.Review(ctx, tenantID, ticketID, reviewerID)
	if err != nil {
		return false, err
	}
	if row.Status == models.ReviewApproved {
		return false, nil
	}
	if err := g.decide(ctx, row, models.ReviewApproved, note); err != nil {
		return false, err
	}
	metrics.ReviewDecisionsTotal.WithLabelValues("approve").Inc()
	return true, nil
}

// RecordRejection stores a reject decision. regenerate selects full regeneration over refinement.
func (g *Gate) RecordRejection(ctx context.Context, tenantID string, ticketID uuid.UUID, reviewerID, reason string, regenerate bool) (*models.PlanReview, error) {
	row, err := g.Review(ctx, tenantID, ticketID, reviewerID)
	if err != nil {
		return nil, err
	}
	status := models.ReviewRejectedForRefinement
	label := "reject_refine"
	if regenerate {
		status = models.ReviewRejectedForRegeneration
		label = "reject_regenerate"
	}
	if err := g.decide(ctx, row, status, reason); err != nil {
		return nil, err
	}
	metrics.ReviewDecisionsTotal.WithLabelValues(label).Inc()
	return row, nil
}

func (g *Gate) decide(ctx context.Context, row *models.PlanReview, status models.ReviewStatus, note string) error {
	now := g.now()
	err := g.db.WithContext(ctx).Model(&models.PlanReview{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{"status": status, "decision_note": note, "reviewed_at": now, "updated_at": now}).Error
	if err != nil {
		return errors.WithStack(err)
	}
	row.Status = status
	row.DecisionNote = note
	row.ReviewedAt = &now
	return nil
}

// HasSufficientApprovals reports whether the plan gate is satisfied: every required reviewer
// approved and at least one approval exists. Optional reviewers never block.
func (g *Gate) HasSufficientApprovals(ctx context.Context, tenantID string, ticketID uuid.UUID) (bool, error) {
	rows, err := g.ListReviews(ctx, tenantID, ticketID)
	if err != nil {
		return false, err
	}
	return Quorum(rows), nil
}

// Quorum evaluates the plan gate over a consistent set of review rows.
func Quorum(rows []models.PlanReview) bool {
	approved := false
	for _, r := range rows {
		if r.Status == models.ReviewApproved {
			approved = true
		} else if r.IsRequired {
			return false
		}
	}
	return approved
}

// ResetReviewsForNewPlan clears every decision back to Pending, keeping the assignments.
func (g *Gate) ResetReviewsForNewPlan(ctx context.Context, tenantID string, ticketID uuid.UUID) (int64, error) {
	return g.reset(ctx, tenantID, ticketID, "")
}

// InvalidateOtherReviews resets every decision except the given reviewer's.
func (g *Gate) InvalidateOtherReviews(ctx context.Context, tenantID string, ticketID uuid.UUID, exceptReviewer string) (int64, error) {
	return g.reset(ctx, tenantID, ticketID, exceptReviewer)
}

func (g *Gate) reset(ctx context.Context, tenantID string, ticketID uuid.UUID, except string) (int64, error) {
	q := g.db.WithContext(ctx).Model(&models.PlanReview{}).
		Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID)
	if except != "" {
		q = q.Where("reviewer_id <> ?", except)
	}
	res := q.Updates(map[string]any{
		"status":        models.ReviewPending,
		"decision_note": "",
		"reviewed_at":   nil,
		"updated_at":    g.now(),
	})
	return res.RowsAffected, errors.WithStack(res.Error)
}

// ListReviews returns a ticket's assignments in assignment order.
func (g *Gate) ListReviews(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.PlanReview, error) {
	var rows []models.PlanReview
	err := g.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID).
		Order("assigned_at asc, reviewer_id asc").
		Find(&rows).Error
	return rows, errors.WithStack(err)
}
