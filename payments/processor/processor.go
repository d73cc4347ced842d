package processor

import (
	"context"
	"errors"
)

// ErrProcessor marks failures reported by the payment provider.
var ErrProcessor = errors.New("payment processor error")

// PaymentProcessor is the hosted-checkout provider the service talks to.
type PaymentProcessor interface {
	CreateCheckoutSession(ctx context.Context, req *CheckoutSessionRequest) (*CheckoutSession, error)
	CreateCustomer(ctx context.Context, data CustomerData) (*Customer, error)
	UpdateCustomer(ctx context.Context, customerID string, data CustomerData) (*Customer, error)
	Refund(ctx context.Context, paymentIntentID string) (string, error)
}

// CheckoutSessionRequest describes a one-off payment session. Amounts are in
// the currency's minor unit.
type CheckoutSessionRequest struct {
	CancelURL         string
	SuccessURL        string
	ClientReferenceID string
	CustomerID        string
	Currency          string
	LineItems         []LineItem
}

type LineItem struct {
	Name       string
	UnitAmount int64
	Quantity   int64
}

type CheckoutSession struct {
	ID  string
	URL string
}

// CustomerData is sent on customer create and update. Empty fields are
// omitted.
type CustomerData struct {
	Email string
	Name  string
}

type Customer struct {
	ID string
}
