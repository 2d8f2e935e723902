package mq

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ticketpilot/backend/internal/notify"
)

type capture struct {
	keys     []string
	payloads []any
}

func (c *capture) Publish(_ context.Context, key string, payload any) error {
	c.keys = append(c.keys, key)
	c.payloads = append(c.payloads, payload)
	return nil
}

func TestNotificationPublisherRoutesByKind(t *testing.T) {
	c := &capture{}
	n := NotificationPublisher{Publisher: c}
	msg := notify.Notification{TenantID: "acme", TicketID: uuid.New(), Kind: notify.KindMention, Recipients: []string{"bob"}}

	require.NoError(t, n.Notify(context.Background(), msg))
	assert.Equal(t, []string{"notification.mention"}, c.keys)
	assert.Equal(t, msg, c.payloads[0])

	assert.NoError(t, NotificationPublisher{}.Notify(context.Background(), msg))
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *RabbitPublisher
	assert.NoError(t, p.Publish(context.Background(), "workflow.StateTransition", map[string]any{}))
	assert.NoError(t, p.Close())
}
