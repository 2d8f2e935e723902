package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkflowState describes the life-cycle state of a ticket in the pipeline.
type WorkflowState string

const (
	StateTriggered               WorkflowState = "Triggered"
	StateAnalyzing               WorkflowState = "Analyzing"
	StateAwaitingAnswers         WorkflowState = "AwaitingAnswers"
	StatePlanning                WorkflowState = "Planning"
	StatePlanUnderReview         WorkflowState = "PlanUnderReview"
	StatePlanApproved            WorkflowState = "PlanApproved"
	StatePlanRejected            WorkflowState = "PlanRejected"
	StateImplementing            WorkflowState = "Implementing"
	StateTicketUpdateUnderReview WorkflowState = "TicketUpdateUnderReview"
	StateTicketUpdateApproved    WorkflowState = "TicketUpdateApproved"
	StateTicketUpdateRejected    WorkflowState = "TicketUpdateRejected"
	StatePRCreated               WorkflowState = "PRCreated"
	StateInReview                WorkflowState = "InReview"
	StateCompleted               WorkflowState = "Completed"
	StateFailed                  WorkflowState = "Failed"
	StateCancelled               WorkflowState = "Cancelled"
)

// IsTerminal reports whether no further triggers are accepted.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TicketSource tells whether a ticket was synced from an external ticket system or created directly.
type TicketSource string

const (
	SourceExternal TicketSource = "external"
	SourceDirect   TicketSource = "direct"
)

// Ticket is the work item driven through the pipeline.
type Ticket struct {
	ID                    uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID              string        `gorm:"index;not null" json:"tenantId"`
	RepositoryID          string        `json:"repositoryId"`
	Title                 string        `json:"title"`
	Description           string        `json:"description"`
	CurrentState          WorkflowState `gorm:"index" json:"currentState"`
	StateVersion          int64         `json:"stateVersion"`
	GraphID               string        `json:"graphId"`
	RequiredApprovalCount int           `json:"requiredApprovalCount"`
	Source                TicketSource  `json:"source"`
	ExternalSystem        string        `json:"externalSystem,omitempty"`
	ExternalKey           string        `gorm:"index" json:"externalKey,omitempty"`
	ExternalURL           string        `json:"externalUrl,omitempty"`
	PullRequestURL        string        `json:"pullRequestUrl,omitempty"`
	PullRequestNumber     int           `json:"pullRequestNumber,omitempty"`
	CreatedBy             string        `json:"createdBy"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// BeforeCreate is a GORM hook that populates the primary key and initial state.
func (t *Ticket) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CurrentState == "" {
		t.CurrentState = StateTriggered
	}
	if t.Source == "" {
		t.Source = SourceDirect
	}
	return nil
}
