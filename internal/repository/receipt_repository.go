package repository

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/example/ticketpilot/backend/internal/models"
)

// ReceiptRepository deduplicates externally delivered triggers.
type ReceiptRepository struct {
	db *gorm.DB
}

func NewReceiptRepository(db *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

// Record stores the receipt and reports false when the key was already seen.
// Callers serialize per ticket, so check-then-insert is sufficient.
func (r *ReceiptRepository) Record(ctx context.Context, receipt *models.TriggerReceipt) (bool, error) {
	var count int64
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.TriggerReceipt{}).Where("dedupe_key = ?", receipt.DedupeKey).Count(&count).Error; err != nil {
		return false, errors.WithStack(err)
	}
	if count > 0 {
		return false, nil
	}
	if err := db.Create(receipt).Error; err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}
