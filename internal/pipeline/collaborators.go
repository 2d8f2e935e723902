// Package pipeline holds the automated steps of a ticket's pipeline and the collaborator
// interfaces they call. Steps are looked up by the agent type a checkpoint resumes into.
package pipeline

import (
	"context"

	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/models"
)

// Analysis is what the analysis engine learned about the codebase.
type Analysis struct {
	RelevantFiles       []string `json:"relevantFiles"`
	ArchitectureSummary string   `json:"architectureSummary"`
}

// Question is a clarifying question proposed by the question engine.
type Question struct {
	Text        string `json:"text"`
	IsMandatory bool   `json:"isMandatory"`
}

// AnsweredQuestion pairs a question with its answer for planning.
type AnsweredQuestion struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// PlanArtifact is a generated implementation plan.
type PlanArtifact struct {
	Content string `json:"content"`
}

// Brief is the planning input gathered from earlier phases.
type Brief struct {
	Analysis *Analysis          `json:"analysis,omitempty"`
	Answers  []AnsweredQuestion `json:"answers,omitempty"`
}

// Implementation is the code change produced for a plan.
type Implementation struct {
	ModifiedFiles []string `json:"modifiedFiles"`
	CreatedFiles  []string `json:"createdFiles"`
	Diff          string   `json:"diff"`
	Summary       string   `json:"summary"`
}

// PullRequest identifies an opened pull request.
type PullRequest struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// TicketUpdateRequest is the input for drafting refined ticket text.
type TicketUpdateRequest struct {
	Plan           string                 `json:"plan"`
	Implementation *Implementation        `json:"implementation,omitempty"`
	Previous       *approval.DraftContent `json:"previous,omitempty"`
	Feedback       string                 `json:"feedback,omitempty"`
}

// ExternalStatus is a coarse ticket status pushed to the external ticket system.
type ExternalStatus string

const (
	ExternalInReview ExternalStatus = "in_review"
	ExternalDone     ExternalStatus = "done"
	ExternalFailed   ExternalStatus = "failed"
	ExternalCanceled ExternalStatus = "canceled"
)

type AnalysisEngine interface {
	Analyze(ctx context.Context, ticket *models.Ticket) (Analysis, error)
}

type QuestionEngine interface {
	GenerateQuestions(ctx context.Context, ticket *models.Ticket, analysis Analysis) ([]Question, error)
}

type PlanEngine interface {
	GeneratePlan(ctx context.Context, ticket *models.Ticket, brief Brief) (PlanArtifact, error)
	RegeneratePlan(ctx context.Context, ticket *models.Ticket, current PlanArtifact, feedback string) (PlanArtifact, error)
}

type ImplementationEngine interface {
	Implement(ctx context.Context, ticket *models.Ticket, plan PlanArtifact) (Implementation, error)
}

type TicketUpdateEngine interface {
	DraftUpdate(ctx context.Context, ticket *models.Ticket, req TicketUpdateRequest) (approval.DraftContent, error)
}

// ExternalTicketClient talks to the ticket system a ticket was synced from.
type ExternalTicketClient interface {
	PostUpdate(ctx context.Context, ticket *models.Ticket, update *models.TicketUpdate) error
	Transition(ctx context.Context, ticket *models.Ticket, status ExternalStatus) error
}

// SourceControlClient opens pull requests.
type SourceControlClient interface {
	CreatePullRequest(ctx context.Context, ticket *models.Ticket, change Implementation) (PullRequest, error)
}

// ReviewerDirectory picks plan reviewers for a ticket.
type ReviewerDirectory interface {
	SelectReviewers(ctx context.Context, ticket *models.Ticket) ([]approval.Reviewer, error)
}

// Collaborators bundles the engines the default steps use.
type Collaborators struct {
	Analysis       AnalysisEngine
	Questions      QuestionEngine
	Plans          PlanEngine
	Implementation ImplementationEngine
	TicketUpdates  TicketUpdateEngine
	Tickets        ExternalTicketClient
	SourceControl  SourceControlClient
}
