package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EventType classifies audit entries in the workflow event log.
type EventType string

const (
	EventStateTransition EventType = "StateTransition"
	EventQuestionAsked   EventType = "QuestionAsked"
	EventAnswerGiven     EventType = "AnswerGiven"
	EventPRCreated       EventType = "PRCreated"
	EventError           EventType = "Error"
	EventInfo            EventType = "Info"
	EventWarning         EventType = "Warning"
	EventSuccess         EventType = "Success"
)

// WorkflowEvent is an immutable audit entry. ID is the append sequence and defines ordering.
type WorkflowEvent struct {
	ID        uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID  string            `gorm:"index;not null" json:"tenantId"`
	TicketID  uuid.UUID         `gorm:"type:uuid;index" json:"ticketId"`
	Type      EventType         `json:"type"`
	FromState WorkflowState     `json:"fromState,omitempty"`
	ToState   WorkflowState     `json:"toState,omitempty"`
	Trigger   string            `json:"trigger,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Message   string            `json:"message"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
