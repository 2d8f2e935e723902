package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/models"
)

// QuestionRepository stores clarifying questions and their answers.
type QuestionRepository struct {
	db *gorm.DB
}

func NewQuestionRepository(db *gorm.DB) *QuestionRepository {
	return &QuestionRepository{db: db}
}

// Replace drops the ticket's previous questions and stores the new set in order.
func (r *QuestionRepository) Replace(ctx context.Context, tenantID string, ticketID uuid.UUID, questions []models.ClarifyingQuestion) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID).Delete(&models.ClarifyingQuestion{}).Error; err != nil {
		return errors.WithStack(err)
	}
	if len(questions) == 0 {
		return nil
	}
	for i := range questions {
		questions[i].TenantID = tenantID
		questions[i].TicketID = ticketID
		questions[i].Position = i + 1
	}
	return errors.WithStack(db.Create(&questions).Error)
}

// ListByTicket returns the ticket's questions in the order they were asked.
func (r *QuestionRepository) ListByTicket(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.ClarifyingQuestion, error) {
	var out []models.ClarifyingQuestion
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID).
		Order("position asc").
		Find(&out).Error
	return out, errors.WithStack(err)
}

// SaveAnswer persists the answer columns of a question.
func (r *QuestionRepository) SaveAnswer(ctx context.Context, q *models.ClarifyingQuestion) error {
	return errors.WithStack(r.db.WithContext(ctx).
		Model(q).
		Updates(map[string]any{"answer": q.Answer, "answered_by": q.AnsweredBy, "answered_at": q.AnsweredAt}).Error)
}
