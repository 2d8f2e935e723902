package integration

import (
	"context"

	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/pipeline"
)

// AgentGateway calls the model gateway that backs every automated engine of the pipeline.
type AgentGateway struct {
	c *Client
}

var (
	_ pipeline.AnalysisEngine       = (*AgentGateway)(nil)
	_ pipeline.QuestionEngine       = (*AgentGateway)(nil)
	_ pipeline.PlanEngine           = (*AgentGateway)(nil)
	_ pipeline.ImplementationEngine = (*AgentGateway)(nil)
	_ pipeline.TicketUpdateEngine   = (*AgentGateway)(nil)
)

func NewAgentGateway(baseURL string, opts ...Option) *AgentGateway {
	return &AgentGateway{c: NewClient("agent gateway", baseURL, opts...)}
}

type ticketRef struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenantId"`
	RepositoryID string `json:"repositoryId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
}

func refOf(t *models.Ticket) ticketRef {
	return ticketRef{
		ID:           t.ID.String(),
		TenantID:     t.TenantID,
		RepositoryID: t.RepositoryID,
		Title:        t.Title,
		Description:  t.Description,
	}
}

func (g *AgentGateway) Analyze(ctx context.Context, t *models.Ticket) (pipeline.Analysis, error) {
	var out pipeline.Analysis
	err := g.c.Post(ctx, "/v1/analysis", map[string]any{"ticket": refOf(t)}, &out)
	return out, err
}

func (g *AgentGateway) GenerateQuestions(ctx context.Context, t *models.Ticket, analysis pipeline.Analysis) ([]pipeline.Question, error) {
	var out struct {
		Questions []pipeline.Question `json:"questions"`
	}
	err := g.c.Post(ctx, "/v1/questions", map[string]any{"ticket": refOf(t), "analysis": analysis}, &out)
	return out.Questions, err
}

func (g *AgentGateway) GeneratePlan(ctx context.Context, t *models.Ticket, brief pipeline.Brief) (pipeline.PlanArtifact, error) {
	var out pipeline.PlanArtifact
	err := g.c.Post(ctx, "/v1/plans", map[string]any{"ticket": refOf(t), "brief": brief}, &out)
	return out, err
}

// RegeneratePlan refines current using the reviewers' feedback.
func (g *AgentGateway) RegeneratePlan(ctx context.Context, t *models.Ticket, current pipeline.PlanArtifact, feedback string) (pipeline.PlanArtifact, error) {
	var out pipeline.PlanArtifact
	err := g.c.Post(ctx, "/v1/plans/refine", map[string]any{
		"ticket":   refOf(t),
		"plan":     current,
		"feedback": feedback,
	}, &out)
	return out, err
}

func (g *AgentGateway) Implement(ctx context.Context, t *models.Ticket, plan pipeline.PlanArtifact) (pipeline.Implementation, error) {
	var out pipeline.Implementation
	err := g.c.Post(ctx, "/v1/implementations", map[string]any{"ticket": refOf(t), "plan": plan}, &out)
	return out, err
}

func (g *AgentGateway) DraftUpdate(ctx context.Context, t *models.Ticket, req pipeline.TicketUpdateRequest) (approval.DraftContent, error) {
	var out approval.DraftContent
	err := g.c.Post(ctx, "/v1/ticket-updates", map[string]any{"ticket": refOf(t), "request": req}, &out)
	return out, err
}
