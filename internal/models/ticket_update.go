package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TicketUpdate is a versioned draft of the refined ticket text awaiting a single reviewer's decision.
// Approved rows are never modified; regeneration always creates a new version.
type TicketUpdate struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID             string     `gorm:"index;not null" json:"tenantId"`
	TicketID             uuid.UUID  `gorm:"type:uuid;uniqueIndex:idx_ticket_update_version" json:"ticketId"`
	Version              int        `gorm:"uniqueIndex:idx_ticket_update_version" json:"version"`
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	SuccessCriteria      string     `json:"successCriteria"`
	AcceptanceCriteria   string     `json:"acceptanceCriteria"`
	IsDraft              bool       `json:"isDraft"`
	IsApproved           bool       `json:"isApproved"`
	ApprovedBy           string     `json:"approvedBy,omitempty"`
	ApprovedAt           *time.Time `json:"approvedAt,omitempty"`
	RejectionReason      string     `json:"rejectionReason,omitempty"`
	RejectedAt           *time.Time `json:"rejectedAt,omitempty"`
	RegenerationFeedback string     `json:"regenerationFeedback,omitempty"`
	Generated            bool       `json:"generated"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

func (u *TicketUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
