package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CheckpointStatus is the life-cycle of one suspended pipeline step.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointResumed   CheckpointStatus = "resumed"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
)

// AgentType names a pipeline step. Automated agents are run by the step queue;
// the others wait for a human or external event.
type AgentType string

const (
	AgentOrchestrator   AgentType = "Orchestrator"
	AgentAnalysis       AgentType = "AnalysisAgent"
	AgentPlanning       AgentType = "PlanningAgent"
	AgentImplementation AgentType = "ImplementationAgent"
	AgentTicketUpdate   AgentType = "TicketUpdateAgent"
	AgentTicketSync     AgentType = "TicketSyncAgent"
	AgentPullRequest    AgentType = "PullRequestAgent"

	AgentHumanInput         AgentType = "HumanInput"
	AgentPlanReview         AgentType = "PlanReview"
	AgentTicketUpdateReview AgentType = "TicketUpdateReview"
	AgentExternalReview     AgentType = "ExternalReview"
)

// AutomatedAgents lists the steps the step queue runs.
func AutomatedAgents() []AgentType {
	return []AgentType{AgentAnalysis, AgentPlanning, AgentImplementation, AgentTicketUpdate, AgentTicketSync, AgentPullRequest}
}

// WaitingAgents lists the steps that wait for a person or an external event.
func WaitingAgents() []AgentType {
	return []AgentType{AgentHumanInput, AgentPlanReview, AgentTicketUpdateReview, AgentExternalReview}
}

// IsAutomated reports whether the step is executed by a collaborator rather than awaited.
func (a AgentType) IsAutomated() bool {
	for _, automated := range AutomatedAgents() {
		if a == automated {
			return true
		}
	}
	return false
}

// Snapshot is the opaque, versioned state blob a pipeline step hands to the next one.
type Snapshot struct {
	Version int    `json:"version"`
	Data    []byte `json:"data,omitempty"`
}

// IsZero reports whether the snapshot carries no data.
func (s Snapshot) IsZero() bool { return s.Version == 0 && len(s.Data) == 0 }

// Checkpoint marks one suspended pipeline step. At most one pending checkpoint exists per (TicketID, GraphID).
type Checkpoint struct {
	ID                 uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID           string           `gorm:"index;not null" json:"tenantId"`
	TicketID           uuid.UUID        `gorm:"type:uuid;index:idx_checkpoint_ticket_graph" json:"ticketId"`
	GraphID            string           `gorm:"index:idx_checkpoint_ticket_graph" json:"graphId"`
	AgentName          AgentType        `json:"agentName"`
	NextAgentType      AgentType        `json:"nextAgentType"`
	TicketState        WorkflowState    `json:"ticketState"`
	StateSchemaVersion int              `json:"stateSchemaVersion"`
	State              []byte           `json:"-"`
	ResumePayload      []byte           `json:"-"`
	Status             CheckpointStatus `gorm:"index" json:"status"`
	FailureReason      string           `json:"failureReason,omitempty"`
	Attempts           int              `json:"attempts"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	ResumedAt          *time.Time       `json:"resumedAt,omitempty"`
	FinishedAt         *time.Time       `json:"finishedAt,omitempty"`
}

// Snapshot returns the envelope of the stored state blob.
func (c *Checkpoint) Snapshot() Snapshot {
	return Snapshot{Version: c.StateSchemaVersion, Data: c.State}
}

// IsOpen reports whether the checkpoint still represents in-flight work.
func (c *Checkpoint) IsOpen() bool {
	return c.Status == CheckpointPending || c.Status == CheckpointResumed
}

func (c *Checkpoint) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CheckpointPending
	}
	return nil
}
