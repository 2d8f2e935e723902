package integration

import (
	"context"
	"net/url"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/pipeline"
)

// TicketSystem posts approved updates and status changes back to the external ticket system.
type TicketSystem struct {
	c *Client
}

var _ pipeline.ExternalTicketClient = (*TicketSystem)(nil)

func NewTicketSystem(baseURL, token string, opts ...Option) *TicketSystem {
	opts = append([]Option{WithBearerToken(token)}, opts...)
	return &TicketSystem{c: NewClient("ticket system", baseURL, opts...)}
}

func issuePath(t *models.Ticket, suffix string) (string, error) {
	if t.ExternalKey == "" {
		return "", apperr.Fatal(nil, "ticket %s has no external key", t.ID)
	}
	return "/issues/" + url.PathEscape(t.ExternalKey) + suffix, nil
}

// PostUpdate writes the approved ticket update onto the external issue.
func (s *TicketSystem) PostUpdate(ctx context.Context, t *models.Ticket, u *models.TicketUpdate) error {
	path, err := issuePath(t, "/update")
	if err != nil {
		return err
	}
	return s.c.Post(ctx, path, map[string]any{
		"version":            u.Version,
		"title":              u.Title,
		"description":        u.Description,
		"successCriteria":    u.SuccessCriteria,
		"acceptanceCriteria": u.AcceptanceCriteria,
	}, nil)
}

func (s *TicketSystem) Transition(ctx context.Context, t *models.Ticket, status pipeline.ExternalStatus) error {
	path, err := issuePath(t, "/transitions")
	if err != nil {
		return err
	}
	return s.c.Post(ctx, path, map[string]any{"status": status}, nil)
}
