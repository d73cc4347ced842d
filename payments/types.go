package main

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v78"
)

// CheckoutService is the Stripe payment method: hosted checkout for baskets
// and orders, refunds and webhook fulfilment.
type CheckoutService interface {
	BasketPayment(ctx context.Context, basketID string, urls CheckoutURLs) (string, error)
	OrderPayment(ctx context.Context, orderID string, urls CheckoutURLs) (string, error)
	RefundPayment(ctx context.Context, orderID, transactionID string) (bool, error)
	HandleEvent(ctx context.Context, event *stripe.Event) WebhookResult
}

// EventPublisher publishes domain events to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// EventDeduper remembers which webhook events were already handled.
type EventDeduper interface {
	// Claim reports false when eventID was claimed before.
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// CheckoutURLs are the absolute URLs Stripe sends the customer back to.
type CheckoutURLs struct {
	Cancel  string
	Success string
}

// NewCheckoutURLs builds the cancel and success view URLs under baseURL.
func NewCheckoutURLs(baseURL string) CheckoutURLs {
	return CheckoutURLs{
		Cancel:  baseURL + cancelPath,
		Success: baseURL + successPath,
	}
}

// WebhookResult is the HTTP answer to a webhook delivery.
type WebhookResult struct {
	Status  int
	Message string
}

// PaymentError is returned when a checkout session cannot be created.
type PaymentError struct {
	Msg string
	Err error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment error: %s", e.Msg)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// OrderEvent is the payload of the order.* events.
type OrderEvent struct {
	OrderID       string `json:"orderID"`
	Ref           string `json:"ref,omitempty"`
	Status        string `json:"status,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	TransactionID string `json:"transactionID,omitempty"`
	PaymentLink   string `json:"paymentLink,omitempty"`
}

// PaymentMethod is the entry listed for the storefront.
type PaymentMethod struct {
	Identifier string `json:"identifier"`
	Label      string `json:"label"`
}
