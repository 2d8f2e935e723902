package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Severity ranks ledger entries.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Entity types an error can be linked to.
const (
	EntityTicket     = "ticket"
	EntityCheckpoint = "checkpoint"
)

// ErrorLog records an unrecoverable (or not yet recovered) step failure.
type ErrorLog struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID       string            `gorm:"index;not null" json:"tenantId"`
	Severity       Severity          `gorm:"index" json:"severity"`
	Source         string            `json:"source"`
	Message        string            `json:"message"`
	Details        string            `json:"details,omitempty"`
	EntityType     string            `gorm:"index:idx_error_entity" json:"entityType,omitempty"`
	EntityID       string            `gorm:"index:idx_error_entity" json:"entityId,omitempty"`
	TicketID       *uuid.UUID        `gorm:"type:uuid;index" json:"ticketId,omitempty"`
	Context        datatypes.JSONMap `json:"context,omitempty"`
	Retryable      bool              `json:"retryable"`
	RetryCount     int               `json:"retryCount"`
	IsResolved     bool              `gorm:"index" json:"isResolved"`
	ResolvedBy     string            `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
	ResolutionNote string            `json:"resolutionNote,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func (e *ErrorLog) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Severity == "" {
		e.Severity = SeverityError
	}
	return nil
}
