package integration

import (
	"context"
	"strings"

	"github.com/example/ticketpilot/backend/internal/approval"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/pipeline"
)

// StaticDirectory assigns the same configured reviewers to every ticket.
type StaticDirectory struct {
	reviewers []approval.Reviewer
}

var _ pipeline.ReviewerDirectory = (*StaticDirectory)(nil)

// NewStaticDirectory parses entries of the form "id" or "id:required".
func NewStaticDirectory(entries []string) *StaticDirectory {
	d := &StaticDirectory{}
	for _, e := range entries {
		id, flag, _ := strings.Cut(strings.TrimSpace(e), ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		d.reviewers = append(d.reviewers, approval.Reviewer{
			ID:         id,
			IsRequired: strings.EqualFold(strings.TrimSpace(flag), "required"),
		})
	}
	return d
}

func (d *StaticDirectory) SelectReviewers(context.Context, *models.Ticket) ([]approval.Reviewer, error) {
	return append([]approval.Reviewer(nil), d.reviewers...), nil
}
