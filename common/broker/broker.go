package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names, one direct exchange per event.
const (
	OrderCreatedEvent       = "order.created"        // consumed: create a checkout session for the order
	OrderPaymentLinkEvent   = "order.payment_link"   // published: hosted checkout URL is ready
	OrderPaidEvent          = "order.paid"           // published: payment captured
	OrderPaymentFailedEvent = "order.payment_failed" // published: asynchronous payment failed
)

// Events lists every exchange declared by Connect.
var Events = []string{
	OrderCreatedEvent,
	OrderPaymentLinkEvent,
	OrderPaidEvent,
	OrderPaymentFailedEvent,
}

// MaxRetryCount is the number of attempts before a message is dead-lettered.
const MaxRetryCount = 3

// DLX is the dead letter exchange; it routes to "<queue>.dlq".
const DLX = "dlx"

const retryHeader = "x-retry-count"

// Connect dials RabbitMQ, opens a channel and declares the exchanges and
// dead letter queues. The returned func closes channel and connection.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := createDLQAndDLX(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create DLQ: %w", err)
	}

	if err := createExchanges(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create exchanges: %w", err)
	}

	close := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, close, nil
}

// DeclareQueue declares a durable queue named after the event, bound to the
// event's exchange and dead-lettered into "<event>.dlq".
func DeclareQueue(ch *amqp.Channel, event string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		event,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    DLX,
			"x-dead-letter-routing-key": event,
		},
	)
	if err != nil {
		return q, fmt.Errorf("failed to declare queue %s: %w", event, err)
	}

	if err := ch.QueueBind(q.Name, "", event, false, nil); err != nil {
		return q, fmt.Errorf("failed to bind queue %s: %w", event, err)
	}
	return q, nil
}

// Republisher is the part of *amqp.Channel HandleRetry needs.
type Republisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// retryBackoff is multiplied by the attempt number before republishing.
var retryBackoff = time.Second

// HandleRetry settles a failed delivery from queue. Below MaxRetryCount the
// message is republished with an incremented retry header after a linear
// backoff and the original is acked; after that it is nacked without requeue
// so the DLX routes it to the queue's DLQ. A failed republish requeues the
// original unchanged.
func HandleRetry(ctx context.Context, ch Republisher, d *amqp.Delivery, queue string, log *slog.Logger) error {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	attempt := RetryCount(d.Headers) + 1
	d.Headers[retryHeader] = attempt

	if attempt >= MaxRetryCount {
		log.Warn("max retries reached, dead-lettering message",
			slog.String("queue", queue),
			slog.Int64("attempt", attempt),
		)
		return d.Nack(false, false)
	}

	log.Info("retrying message", slog.String("queue", queue), slog.Int64("attempt", attempt))

	select {
	case <-ctx.Done():
		return d.Nack(false, true)
	case <-time.After(retryBackoff * time.Duration(attempt)):
	}

	// Warum Default Exchange statt d.Exchange?
	// → Der Event Exchange verteilt an ALLE gebundenen Queues
	// → "" mit Routing Key = Queue Name trifft nur die Queue, die fehlgeschlagen ist
	err := ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Headers:      d.Headers,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		d.Nack(false, true)
		return fmt.Errorf("failed to republish message: %w", err)
	}
	return d.Ack(false)
}

// RetryCount reads the retry counter from delivery headers. RabbitMQ may hand
// integers back as any signed width.
func RetryCount(headers amqp.Table) int64 {
	switch v := headers[retryHeader].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// Publisher publishes JSON events onto their exchange.
type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(ch *amqp.Channel) *Publisher {
	return &Publisher{ch: ch}
}

// Publish marshals payload and publishes it persistently on the event's
// exchange, carrying the trace context of ctx in the headers.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	return p.ch.PublishWithContext(ctx, event, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		Headers:      InjectTraceContext(ctx),
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

func createDLQAndDLX(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(DLX, "direct", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	for _, event := range Events {
		dlq := event + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
		}
		// routing key = original queue name
		if err := ch.QueueBind(dlq, event, DLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind DLQ %s to DLX: %w", dlq, err)
		}
	}

	return nil
}

func createExchanges(ch *amqp.Channel) error {
	for _, event := range Events {
		if err := ch.ExchangeDeclare(event, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare %s exchange: %w", event, err)
		}
	}
	return nil
}
