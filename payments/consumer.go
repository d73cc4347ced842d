package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/timour/stripe-checkout/common/broker"
)

// errMalformed marks messages that will never succeed and go straight to
// the DLQ.
var errMalformed = errors.New("malformed message")

// consumer creates checkout sessions for orders placed elsewhere and
// announces the resulting payment links.
type consumer struct {
	service   CheckoutService
	publisher EventPublisher
	urls      CheckoutURLs
	logger    *slog.Logger
}

func NewConsumer(service CheckoutService, publisher EventPublisher, publicURL string, logger *slog.Logger) *consumer {
	return &consumer{
		service:   service,
		publisher: publisher,
		urls:      NewCheckoutURLs(publicURL),
		logger:    logger,
	}
}

// Listen consumes order.created until ctx is cancelled or the channel closes.
func (c *consumer) Listen(ctx context.Context, ch *amqp.Channel) error {
	q, err := broker.DeclareQueue(ch, broker.OrderCreatedEvent)
	if err != nil {
		return err
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("payment consumer started", slog.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, ch, q.Name, d)
		}
	}
}

// handle processes and settles one delivery from queue.
func (c *consumer) handle(ctx context.Context, ch broker.Republisher, queue string, d amqp.Delivery) {
	msgCtx := broker.ExtractTraceContext(ctx, d.Headers)
	msgCtx, span := otel.Tracer("payments").Start(msgCtx, "AMQP - consume - "+queue)
	defer span.End()

	err := c.process(msgCtx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", slog.Any("error", ackErr))
		}
	case errors.Is(err, errMalformed):
		// Warum kein Retry?
		// → Kaputtes JSON wird beim nächsten Versuch nicht besser
		// → Nack ohne Requeue, DLX schiebt es direkt in die DLQ
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("dropping malformed message", slog.Any("error", err))
		d.Nack(false, false)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("failed to create payment link", slog.Any("error", err))
		if err := broker.HandleRetry(msgCtx, ch, &d, queue, c.logger); err != nil {
			c.logger.Error("error handling retry", slog.Any("error", err))
		}
	}
}

// process handles one order.created body.
func (c *consumer) process(ctx context.Context, body []byte) error {
	var evt OrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return fmt.Errorf("%w: %w", errMalformed, err)
	}
	if evt.OrderID == "" {
		return fmt.Errorf("%w: missing orderID", errMalformed)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("order.id", evt.OrderID))

	url, err := c.service.OrderPayment(ctx, evt.OrderID, c.urls)
	if err != nil {
		return err
	}

	if c.publisher != nil {
		err := c.publisher.Publish(ctx, broker.OrderPaymentLinkEvent, OrderEvent{
			OrderID:     evt.OrderID,
			PaymentLink: url,
		})
		if err != nil {
			// The link is stored on the order; a retry would create a second session.
			c.logger.Error("failed to publish payment link", slog.String("order_id", evt.OrderID), slog.Any("error", err))
		}
	}

	c.logger.Info("payment link created",
		slog.String("order_id", evt.OrderID),
		slog.String("payment_link", url),
	)
	return nil
}
