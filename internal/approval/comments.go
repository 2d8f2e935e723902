package approval

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/models"
	"github.com/example/ticketpilot/backend/internal/notify"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9][A-Za-z0-9._-]*)`)

// ParseMentions returns the distinct users mentioned in body, in order of appearance.
func ParseMentions(body string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range mentionPattern.FindAllStringSubmatch(body, -1) {
		name := strings.TrimRight(m[1], "._-")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// AddComment stores a comment and notifies the users it mentions. Comments never affect review state.
func (g *Gate) AddComment(ctx context.Context, c *models.ReviewComment) error {
	if c.TenantID == "" || c.TicketID == uuid.Nil || c.AuthorID == "" {
		return apperr.Validation("comment requires tenant, ticket and author")
	}
	if strings.TrimSpace(c.Body) == "" {
		return apperr.Validation("comment body is empty")
	}
	if c.ParentID != nil {
		var parent models.ReviewComment
		err := g.db.WithContext(ctx).
			First(&parent, "id = ? AND tenant_id = ? AND ticket_id = ?", *c.ParentID, c.TenantID, c.TicketID).Error
		if err != nil {
			return apperr.FromDB(err, "parent comment", *c.ParentID)
		}
	}

	mentions := make([]string, 0)
	for _, m := range ParseMentions(c.Body) {
		if m != c.AuthorID {
			mentions = append(mentions, m)
		}
	}
	c.Mentions = mentions
	if err := g.db.WithContext(ctx).Create(c).Error; err != nil {
		return errors.WithStack(err)
	}

	if len(mentions) > 0 {
		err := g.notifier.Notify(ctx, notify.Notification{
			TenantID:   c.TenantID,
			TicketID:   c.TicketID,
			Kind:       notify.KindMention,
			Recipients: mentions,
			Message:    c.AuthorID + " mentioned you in a comment",
			Metadata:   map[string]string{"commentId": c.ID.String()},
		})
		if err != nil {
			g.log.Warn("mention notification failed", zap.String("comment_id", c.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// ListComments returns a ticket's comments oldest first.
func (g *Gate) ListComments(ctx context.Context, tenantID string, ticketID uuid.UUID) ([]models.ReviewComment, error) {
	var rows []models.ReviewComment
	err := g.db.WithContext(ctx).
		Where("tenant_id = ? AND ticket_id = ?", tenantID, ticketID).
		Order("created_at asc").
		Find(&rows).Error
	return rows, errors.WithStack(err)
}
