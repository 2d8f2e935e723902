package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReviewStatus is a reviewer's decision on the current plan.
type ReviewStatus string

const (
	ReviewPending                 ReviewStatus = "Pending"
	ReviewApproved                ReviewStatus = "Approved"
	ReviewRejectedForRefinement   ReviewStatus = "RejectedForRefinement"
	ReviewRejectedForRegeneration ReviewStatus = "RejectedForRegeneration"
)

// IsRejection reports whether the status is one of the reject outcomes.
func (s ReviewStatus) IsRejection() bool {
	return s == ReviewRejectedForRefinement || s == ReviewRejectedForRegeneration
}

// PlanReview is one reviewer's assignment on a ticket's plan.
type PlanReview struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID     string       `gorm:"index;not null" json:"tenantId"`
	TicketID     uuid.UUID    `gorm:"type:uuid;uniqueIndex:idx_plan_review_ticket_reviewer" json:"ticketId"`
	ReviewerID   string       `gorm:"uniqueIndex:idx_plan_review_ticket_reviewer" json:"reviewerId"`
	Status       ReviewStatus `json:"status"`
	IsRequired   bool         `json:"isRequired"`
	DecisionNote string       `json:"decisionNote,omitempty"`
	AssignedBy   string       `json:"assignedBy,omitempty"`
	AssignedAt   time.Time    `json:"assignedAt"`
	ReviewedAt   *time.Time   `json:"reviewedAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func (r *PlanReview) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = ReviewPending
	}
	return nil
}

// ReviewComment is a threaded discussion entry on a ticket. It has no effect on approval state.
type ReviewComment struct {
	ID        uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string                      `gorm:"index;not null" json:"tenantId"`
	TicketID  uuid.UUID                   `gorm:"type:uuid;index" json:"ticketId"`
	ParentID  *uuid.UUID                  `gorm:"type:uuid" json:"parentId,omitempty"`
	AuthorID  string                      `json:"authorId"`
	Body      string                      `json:"body"`
	Mentions  datatypes.JSONSlice[string] `json:"mentions"`
	CreatedAt time.Time                   `json:"createdAt"`
}

func (c *ReviewComment) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
