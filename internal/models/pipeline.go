package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ClarifyingQuestion is asked after analysis; mandatory questions must be answered before planning.
type ClarifyingQuestion struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID    string     `gorm:"index;not null" json:"tenantId"`
	TicketID    uuid.UUID  `gorm:"type:uuid;index" json:"ticketId"`
	Position    int        `json:"position"`
	Text        string     `json:"text"`
	IsMandatory bool       `json:"isMandatory"`
	Answer      string     `json:"answer,omitempty"`
	AnsweredBy  string     `json:"answeredBy,omitempty"`
	AnsweredAt  *time.Time `json:"answeredAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (q *ClarifyingQuestion) BeforeCreate(tx *gorm.DB) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	return nil
}

// IsAnswered reports whether a non-blank answer was recorded.
func (q *ClarifyingQuestion) IsAnswered() bool {
	return q.AnsweredAt != nil && q.Answer != ""
}

// PlanStatus tracks which plan version is current.
type PlanStatus string

const (
	PlanActive     PlanStatus = "active"
	PlanSuperseded PlanStatus = "superseded"
	PlanDiscarded  PlanStatus = "discarded"
)

// ImplementationPlan is a generated plan version for a ticket.
type ImplementationPlan struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string     `gorm:"index;not null" json:"tenantId"`
	TicketID  uuid.UUID  `gorm:"type:uuid;index" json:"ticketId"`
	Version   int        `json:"version"`
	Content   string     `json:"content"`
	Feedback  string     `json:"feedback,omitempty"`
	Status    PlanStatus `gorm:"index" json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (p *ImplementationPlan) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PlanActive
	}
	return nil
}

// TriggerReceipt remembers an externally delivered trigger so redelivery is a no-op.
type TriggerReceipt struct {
	DedupeKey string    `gorm:"primaryKey" json:"dedupeKey"`
	TenantID  string    `gorm:"index" json:"tenantId"`
	TicketID  uuid.UUID `gorm:"type:uuid" json:"ticketId"`
	Trigger   string    `json:"trigger"`
	CreatedAt time.Time `json:"createdAt"`
}

// All lists every record type for migrations.
func All() []any {
	return []any{
		&Ticket{},
		&Checkpoint{},
		&PlanReview{},
		&ReviewComment{},
		&TicketUpdate{},
		&WorkflowEvent{},
		&ErrorLog{},
		&ClarifyingQuestion{},
		&ImplementationPlan{},
		&TriggerReceipt{},
	}
}
