package approval

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/metrics"
	"github.com/example/ticketpilot/backend/internal/models"
)

// DraftContent is the editable part of a ticket update.
type DraftContent struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	SuccessCriteria    string `json:"successCriteria"`
	AcceptanceCriteria string `json:"acceptanceCriteria"`
}

func (c DraftContent) apply(u *models.TicketUpdate) {
	u.Title = c.Title
	u.Description = c.Description
	u.SuccessCriteria = c.SuccessCriteria
	u.AcceptanceCriteria = c.AcceptanceCriteria
}

// CreateDraft stores u as the ticket's next version.
func (g *Gate) CreateDraft(ctx context.Context, u *models.TicketUpdate) error {
	if u.TenantID == "" || u.TicketID == uuid.Nil {
		return apperr.Validation("ticket update requires tenant and ticket")
	}
	var maxVersion int
	if err := g.db.WithContext(ctx).Model(&models.TicketUpdate{}).
		Where("tenant_id = ? AND ticket_id = ?", u.TenantID, u.TicketID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error; err != nil {
		return errors.WithStack(err)
	}
	u.Version = maxVersion + 1
	u.IsDraft = true
	u.IsApproved = false
	return errors.WithStack(g.db.WithContext(ctx).Create(u).Error)
}

// FillDraft replaces the content of an unapproved draft. generated marks content produced by the pipeline.
func (g *Gate) FillDraft(ctx context.Context, tenantID string, id uuid.UUID, content DraftContent, generated bool) (*models.TicketUpdate, error) {
	u, err := g.GetUpdate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !u.IsDraft || u.IsApproved {
		return nil, apperr.Validation("ticket update %s v%d is not an editable draft", u.TicketID, u.Version)
	}
	res := g.db.WithContext(ctx).Model(&models.TicketUpdate{}).
		Where("id = ? AND is_draft = ? AND is_approved = ?", id, true, false).
		Updates(map[string]any{
			"title":               content.Title,
			"description":         content.Description,
			"success_criteria":    content.SuccessCriteria,
			"acceptance_criteria": content.AcceptanceCriteria,
			"generated":           generated || u.Generated,
			"updated_at":          g.now(),
		})
	if res.Error != nil {
		return nil, errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("ticket update %s changed concurrently", id)
	}
	content.apply(u)
	u.Generated = generated || u.Generated
	return u, nil
}

// GetUpdate returns a ticket update by id.
func (g *Gate) GetUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*models.TicketUpdate, error) {
	var u models.TicketUpdate
	if err := g.db.WithContext(ctx).First(&u, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		return nil, apperr.FromDB(err, "ticket update", id)
	}
	return &u, nil
}

// LatestUpdate returns the highest version of a ticket's updates.
func (g *Gate) LatestUpdate(ctx context.Context, tenantID string, ticketID uuid.UUID) (*models.TicketUpdate, error) {
	var rows []models.TicketUpdate
	err := g.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID).
		Order("version desc").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("no ticket update for ticket %s", ticketID)
	}
	return &rows[0], nil
}

// CurrentDraft returns the latest version when it is still an open draft.
func (g *Gate) CurrentDraft(ctx context.Context, tenantID string, ticketID uuid.UUID) (*models.TicketUpdate, error) {
	u, err := g.LatestUpdate(ctx, tenantID, ticketID)
	if err != nil {
		return nil, err
	}
	if !u.IsDraft || u.IsApproved {
		return nil, apperr.NotFound("ticket %s has no open draft", ticketID)
	}
	return u, nil
}

// ApproveDraft approves the current draft. Approved rows are never modified afterwards.
func (g *Gate) ApproveDraft(ctx context.Context, tenantID string, id uuid.UUID, approvedBy string) (*models.TicketUpdate, error) {
	u, err := g.GetUpdate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !u.IsDraft || u.IsApproved {
		return nil, apperr.Validation("ticket update v%d cannot be approved: draft=%t approved=%t", u.Version, u.IsDraft, u.IsApproved)
	}
	if err := g.requireLatest(ctx, u); err != nil {
		return nil, err
	}

	now := g.now()
	res := g.db.WithContext(ctx).Model(&models.TicketUpdate{}).
		Where("id = ? AND is_draft = ? AND is_approved = ?", id, true, false).
		Updates(map[string]any{
			"is_draft":    false,
			"is_approved": true,
			"approved_by": approvedBy,
			"approved_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("ticket update %s changed concurrently", id)
	}
	u.IsDraft, u.IsApproved, u.ApprovedBy, u.ApprovedAt = false, true, approvedBy, &now
	metrics.DraftDecisionsTotal.WithLabelValues("approve").Inc()
	return u, nil
}

// RejectDraft closes the current draft with reason. With regenerate, a new draft version seeded
// from the rejected content is created and returned as next; the rejected row is not touched again.
func (g *Gate) RejectDraft(ctx context.Context, tenantID string, id uuid.UUID, reason string, regenerate bool) (rejected, next *models.TicketUpdate, err error) {
	u, err := g.GetUpdate(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	if u.IsApproved {
		return nil, nil, apperr.Validation("ticket update v%d is approved and cannot be rejected", u.Version)
	}
	if !u.IsDraft {
		return nil, nil, apperr.Validation("ticket update v%d is not a draft", u.Version)
	}
	if err := g.requireLatest(ctx, u); err != nil {
		return nil, nil, err
	}

	now := g.now()
	res := g.db.WithContext(ctx).Model(&models.TicketUpdate{}).
		Where("id = ? AND is_draft = ? AND is_approved = ?", id, true, false).
		Updates(map[string]any{
			"is_draft":         false,
			"rejection_reason": reason,
			"rejected_at":      now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return nil, nil, errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil, apperr.Conflict("ticket update %s changed concurrently", id)
	}
	u.IsDraft, u.RejectionReason, u.RejectedAt = false, reason, &now

	label := "reject"
	if regenerate {
		label = "reject_regenerate"
		next = &models.TicketUpdate{
			TenantID:             u.TenantID,
			TicketID:             u.TicketID,
			RegenerationFeedback: reason,
		}
		DraftContent{
			Title:              u.Title,
			Description:        u.Description,
			SuccessCriteria:    u.SuccessCriteria,
			AcceptanceCriteria: u.AcceptanceCriteria,
		}.apply(next)
		if err := g.CreateDraft(ctx, next); err != nil {
			return nil, nil, err
		}
	}
	metrics.DraftDecisionsTotal.WithLabelValues(label).Inc()
	return u, next, nil
}

func (g *Gate) requireLatest(ctx context.Context, u *models.TicketUpdate) error {
	latest, err := g.LatestUpdate(ctx, u.TenantID, u.TicketID)
	if err != nil {
		return err
	}
	if latest.ID != u.ID {
		return apperr.Validation("ticket update v%d is superseded by v%d", u.Version, latest.Version)
	}
	return nil
}

// ListUpdates returns every version of a ticket's updates, oldest first.
func (g *Gate) ListUpdates(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.TicketUpdate, error) {
	var rows []models.TicketUpdate
	err := g.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID).
		Order("version asc").
		Find(&rows).Error
	return rows, errors.WithStack(err)
}
