package main

import (
	"context"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/stripe-checkout/common/broker"
	"github.com/timour/stripe-checkout/orders"
	"github.com/timour/stripe-checkout/payments/processor"
)

func TestConsumerCreatesPaymentLink(t *testing.T) {
	env := newTestEnv()
	env.store.AddOrder(newOrder("o1"))
	c := NewConsumer(env.service, env.publisher, "https://pay.example.com", discardLogger())

	err := c.process(context.Background(), []byte(`{"orderID":"o1","status":"NEW"}`))
	require.NoError(t, err)

	require.Len(t, env.publisher.events, 1)
	evt := env.publisher.events[0]
	assert.Equal(t, broker.OrderPaymentLinkEvent, evt.event)
	assert.Equal(t, "o1", evt.payload.OrderID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", evt.payload.PaymentLink)
	assert.Equal(t, "https://pay.example.com/stripe/cancel/", env.processor.sessions[0].CancelURL)

	order, err := env.store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, evt.payload.PaymentLink, order.PaymentLink)
}

func TestConsumerMalformedMessages(t *testing.T) {
	env := newTestEnv()
	c := NewConsumer(env.service, env.publisher, "https://pay.example.com", discardLogger())

	assert.ErrorIs(t, c.process(context.Background(), []byte(`{`)), errMalformed)
	assert.ErrorIs(t, c.process(context.Background(), []byte(`{"status":"NEW"}`)), errMalformed)
}

func TestConsumerReturnsRetryableErrors(t *testing.T) {
	env := newTestEnv()
	c := NewConsumer(env.service, env.publisher, "https://pay.example.com", discardLogger())

	err := c.process(context.Background(), []byte(`{"orderID":"missing"}`))
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	assert.NotErrorIs(t, err, errMalformed)

	env.store.AddOrder(newOrder("o1"))
	env.processor.sessionErr = fmt.Errorf("%w: timeout", processor.ErrProcessor)
	err = c.process(context.Background(), []byte(`{"orderID":"o1"}`))
	var paymentErr *PaymentError
	assert.ErrorAs(t, err, &paymentErr)
	assert.Empty(t, env.publisher.events)
}

type deliveryOutcome struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (o *deliveryOutcome) Ack(tag uint64, multiple bool) error {
	o.acked = true
	return nil
}

func (o *deliveryOutcome) Nack(tag uint64, multiple, requeue bool) error {
	o.nacked = true
	o.requeue = requeue
	return nil
}

func (o *deliveryOutcome) Reject(tag uint64, requeue bool) error {
	return o.Nack(tag, false, requeue)
}

type requeueRecorder struct {
	exchanges []string
	keys      []string
}

func (r *requeueRecorder) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	r.exchanges = append(r.exchanges, exchange)
	r.keys = append(r.keys, key)
	return nil
}

func delivery(body string, outcome *deliveryOutcome) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: outcome,
		Exchange:     broker.OrderCreatedEvent,
		Body:         []byte(body),
	}
}

func TestConsumerAcksHandledDelivery(t *testing.T) {
	env := newTestEnv()
	env.store.AddOrder(newOrder("o1"))
	c := NewConsumer(env.service, env.publisher, "https://pay.example.com", discardLogger())
	ch := &requeueRecorder{}
	outcome := &deliveryOutcome{}

	c.handle(context.Background(), ch, broker.OrderCreatedEvent, delivery(`{"orderID":"o1"}`, outcome))

	assert.True(t, outcome.acked)
	assert.False(t, outcome.nacked)
	assert.Empty(t, ch.keys)
}

func TestConsumerDeadLettersMalformedDelivery(t *testing.T) {
	env := newTestEnv()
	c := NewConsumer(env.service, env.publisher, "https://pay.example.com", discardLogger())
	ch := &requeueRecorder{}
	outcome := &deliveryOutcome{}

	c.handle(context.Background(), ch, broker.OrderCreatedEvent, delivery(`{`, outcome))

	assert.True(t, outcome.nacked)
	assert.False(t, outcome.requeue)
	assert.Empty(t, ch.keys)
}

func TestConsumerRetriesFailedDeliveryOnItsOwnQueue(t *testing.T) {
	env := newTestEnv()
	env.store.AddOrder(newOrder("o1"))
	env.processor.sessionErr = fmt.Errorf("%w: timeout", processor.ErrProcessor)
	c := NewConsumer(env.service, env.publisher, "https://pay.example.com", discardLogger())
	ch := &requeueRecorder{}
	outcome := &deliveryOutcome{}

	c.handle(context.Background(), ch, broker.OrderCreatedEvent, delivery(`{"orderID":"o1"}`, outcome))

	assert.Equal(t, []string{""}, ch.exchanges)
	assert.Equal(t, []string{broker.OrderCreatedEvent}, ch.keys)
	assert.True(t, outcome.acked)
	assert.False(t, outcome.nacked)
}
