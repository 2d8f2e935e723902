package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/ticketpilot/backend/internal/apperr"
	"github.com/example/ticketpilot/backend/internal/mq"
	"github.com/example/ticketpilot/backend/internal/service"
)

// TriggerSink applies external triggers.
type TriggerSink interface {
	HandleExternalTrigger(ctx context.Context, et service.ExternalTrigger) (*service.TransitionResult, error)
}

// TriggerConsumer feeds triggers published on the broker into the workflow service.
// Rejected triggers are acked and dropped. Conflicts and infrastructure failures are requeued once.
type TriggerConsumer struct {
	consumer mq.Consumer
	sink     TriggerSink
	log      *zap.Logger
	timeout  time.Duration
}

func NewTriggerConsumer(c mq.Consumer, sink TriggerSink, log *zap.Logger) *TriggerConsumer {
	return &TriggerConsumer{consumer: c, sink: sink, log: log.Named("triggers"), timeout: 30 * time.Second}
}

// Start begins consuming.
func (c *TriggerConsumer) Start() error {
	return c.consumer.Consume(c.Handle)
}

// Handle processes one delivery.
func (c *TriggerConsumer) Handle(d amqp091.Delivery) {
	var et service.ExternalTrigger
	if err := json.Unmarshal(d.Body, &et); err != nil {
		c.log.Warn("dropping malformed trigger", zap.String("routing_key", d.RoutingKey), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if et.DedupeKey == "" {
		et.DedupeKey = d.MessageId
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	res, err := c.sink.HandleExternalTrigger(ctx, et)
	switch {
	case err == nil:
		c.log.Info("trigger applied",
			zap.String("ticket_id", et.TicketID.String()),
			zap.String("trigger", string(et.Kind)),
			zap.Bool("duplicate", res.Duplicate))
		_ = d.Ack(false)
	case apperr.KindOf(err) == apperr.KindInternal, apperr.Is(err, apperr.KindConflict), apperr.IsRetryable(err):
		c.log.Error("trigger failed, requeueing", zap.String("ticket_id", et.TicketID.String()), zap.Error(err))
		_ = d.Nack(false, !d.Redelivered)
	default:
		c.log.Warn("trigger rejected",
			zap.String("ticket_id", et.TicketID.String()),
			zap.String("trigger", string(et.Kind)),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
		_ = d.Ack(false)
	}
}

// Close stops consuming.
func (c *TriggerConsumer) Close() error {
	return c.consumer.Close()
}
