package integration

import (
	"context"
	"fmt"
	"net/url"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/pipeline"
)

// SourceControl opens pull requests on the source control host.
type SourceControl struct {
	c     *Client
	owner string
}

var _ pipeline.SourceControlClient = (*SourceControl)(nil)

func NewSourceControl(baseURL, token, owner string, opts ...Option) *SourceControl {
	opts = append([]Option{WithBearerToken(token)}, opts...)
	return &SourceControl{c: NewClient("source control", baseURL, opts...), owner: owner}
}

// CreatePullRequest pushes change to a ticket branch of the ticket's repository and opens a pull request.
func (s *SourceControl) CreatePullRequest(ctx context.Context, t *models.Ticket, change pipeline.Implementation) (pipeline.PullRequest, error) {
	if t.RepositoryID == "" {
		return pipeline.PullRequest{}, apperr.Fatal(nil, "ticket %s has no repository", t.ID)
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls", url.PathEscape(s.owner), url.PathEscape(t.RepositoryID))
	var out struct {
		HTMLURL string `json:"html_url"`
		Number  int    `json:"number"`
	}
	err := s.c.Post(ctx, path, map[string]any{
		"title":          t.Title,
		"body":           change.Summary,
		"head":           "ticketpilot/" + t.ID.String(),
		"base":           "main",
		"diff":           change.Diff,
		"modified_files": change.ModifiedFiles,
		"created_files":  change.CreatedFiles,
	}, &out)
	if err != nil {
		return pipeline.PullRequest{}, err
	}
	if out.HTMLURL == "" {
		return pipeline.PullRequest{}, apperr.External(nil, false, "source control: pull request response has no url")
	}
	return pipeline.PullRequest{URL: out.HTMLURL, Number: out.Number}, nil
}
