package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/timour/stripe-checkout/common/logger"
	"github.com/timour/stripe-checkout/common/metrics"
	"github.com/timour/stripe-checkout/orders"
	"github.com/timour/stripe-checkout/payments/processor"
)

type fakeProcessor struct {
	mu sync.Mutex

	sessions  []*processor.CheckoutSessionRequest
	created   []processor.CustomerData
	updated   map[string]processor.CustomerData
	refunds   []string
	sessionN  int
	customerN int

	sessionErr error
	createErr  error
	updateErr  error
	refundErr  error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{updated: map[string]processor.CustomerData{}}
}

func (p *fakeProcessor) CreateCheckoutSession(ctx context.Context, req *processor.CheckoutSessionRequest) (*processor.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionErr != nil {
		return nil, p.sessionErr
	}
	p.sessions = append(p.sessions, req)
	p.sessionN++
	id := fmt.Sprintf("cs_test_%d", p.sessionN)
	return &processor.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (p *fakeProcessor) CreateCustomer(ctx context.Context, data processor.CustomerData) (*processor.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, data)
	p.customerN++
	return &processor.Customer{ID: fmt.Sprintf("cus_new_%d", p.customerN)}, nil
}

func (p *fakeProcessor) UpdateCustomer(ctx context.Context, customerID string, data processor.CustomerData) (*processor.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return nil, p.updateErr
	}
	p.updated[customerID] = data
	return &processor.Customer{ID: customerID}, nil
}

func (p *fakeProcessor) Refund(ctx context.Context, paymentIntentID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return "", p.refundErr
	}
	p.refunds = append(p.refunds, paymentIntentID)
	return "re_" + paymentIntentID, nil
}

type publishedEvent struct {
	event   string
	payload OrderEvent
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{event: event, payload: payload.(OrderEvent)})
	return nil
}

func (p *fakePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, e := range p.events {
		names = append(names, e.event)
	}
	return names
}

func testSettings() StripeSettings {
	return StripeSettings{
		PaymentLabel:    "Pay with Stripe",
		DefaultCurrency: "USD",
		PaidStatus:      orders.StatusProcessing,
	}
}

type testEnv struct {
	store     *orders.MemoryStore
	processor *fakeProcessor
	publisher *fakePublisher
	metrics   *metrics.CheckoutMetrics
	service   *service
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:     orders.NewMemoryStore(),
		processor: newFakeProcessor(),
		publisher: &fakePublisher{},
		metrics:   metrics.NewCheckoutMetrics("test", prometheus.NewRegistry()),
	}
	env.service = NewService(env.store, env.processor, env.publisher, testSettings(), env.metrics, discardLogger())
	return env
}

func discardLogger() *slog.Logger {
	return logger.New(io.Discard, "payments", "error", "")
}
