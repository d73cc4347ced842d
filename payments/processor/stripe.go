package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/timour/stripe-checkout/common/metrics"
)

// Stripe is a PaymentProcessor backed by a per-instance Stripe client, so
// no package-level API key is set.
type Stripe struct {
	api     *client.API
	metrics *metrics.CheckoutMetrics
}

// NewStripeProcessor creates a processor for apiKey. backends may be nil to
// use the SDK defaults; m may be nil to skip latency metrics.
func NewStripeProcessor(apiKey string, backends *stripe.Backends, m *metrics.CheckoutMetrics) *Stripe {
	return &Stripe{
		api:     client.New(apiKey, backends),
		metrics: m,
	}
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req *CheckoutSessionRequest) (*CheckoutSession, error) {
	defer s.observe("checkout_session_create", time.Now())

	params := buildSessionParams(req)
	params.Context = ctx

	result, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: create checkout session: %w", ErrProcessor, err)
	}
	return &CheckoutSession{ID: result.ID, URL: result.URL}, nil
}

func (s *Stripe) CreateCustomer(ctx context.Context, data CustomerData) (*Customer, error) {
	defer s.observe("customer_create", time.Now())

	params := &stripe.CustomerParams{}
	applyCustomerData(params, data)
	params.Context = ctx

	c, err := s.api.Customers.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: create customer: %w", ErrProcessor, err)
	}
	return &Customer{ID: c.ID}, nil
}

func (s *Stripe) UpdateCustomer(ctx context.Context, customerID string, data CustomerData) (*Customer, error) {
	defer s.observe("customer_update", time.Now())

	params := &stripe.CustomerParams{}
	applyCustomerData(params, data)
	params.Context = ctx

	c, err := s.api.Customers.Update(customerID, params)
	if err != nil {
		return nil, fmt.Errorf("%w: update customer %s: %w", ErrProcessor, customerID, err)
	}
	return &Customer{ID: c.ID}, nil
}

// Refund refunds the full amount captured by a payment intent and returns
// the refund ID.
func (s *Stripe) Refund(ctx context.Context, paymentIntentID string) (string, error) {
	defer s.observe("refund_create", time.Now())

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	params.Context = ctx

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: refund %s: %w", ErrProcessor, paymentIntentID, err)
	}
	return r.ID, nil
}

func (s *Stripe) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveStripeCall(operation, start)
	}
}

func buildSessionParams(req *CheckoutSessionRequest) *stripe.CheckoutSessionParams {
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.LineItems))
	for _, item := range req.LineItems {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
			Quantity: stripe.Int64(item.Quantity),
		})
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		CancelURL:         stripe.String(req.CancelURL),
		SuccessURL:        stripe.String(req.SuccessURL),
		ClientReferenceID: stripe.String(req.ClientReferenceID),
		LineItems:         lineItems,
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	return params
}

func applyCustomerData(params *stripe.CustomerParams, data CustomerData) {
	if data.Email != "" {
		params.Email = stripe.String(data.Email)
	}
	if data.Name != "" {
		params.Name = stripe.String(data.Name)
	}
}

var _ PaymentProcessor = (*Stripe)(nil)
