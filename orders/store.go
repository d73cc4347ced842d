package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrBasketNotFound  = errors.New("basket not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrPaymentNotFound = errors.New("payment not found")
)

// Store is the slice of the order-management backend the payment flow needs.
type Store interface {
	GetBasket(ctx context.Context, basketID string) (*Basket, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderBySession(ctx context.Context, sessionID string) (*Order, error)

	// CreateOrderFromBasket converts the basket into a new order with the
	// given status and deletes the basket.
	CreateOrderFromBasket(ctx context.Context, basket *Basket, status Status, sessionID string) (*Order, error)

	// Pay records a payment and reports whether it was new. A transaction ID
	// already recorded on the order is a no-op returning false. Once the order
	// is fully paid its status becomes paidStatus.
	Pay(ctx context.Context, orderID string, payment Payment, paidStatus Status) (*Order, bool, error)

	UpdateStatus(ctx context.Context, orderID string, status Status) error
	SetCheckoutSession(ctx context.Context, orderID, sessionID, paymentLink string) error
	SaveStripeCustomerID(ctx context.Context, userID, customerID string) error

	// RefundPayment flags the payment refunded and moves the order to REFUNDED.
	RefundPayment(ctx context.Context, orderID, transactionID string) (*Order, error)
}

// NewOrderFromBasket builds the order a basket converts into.
func NewOrderFromBasket(basket *Basket, status Status, sessionID string, now time.Time) *Order {
	id := uuid.NewString()

	// Lines keep what Stripe was asked to charge, whole cents.
	items := make([]Item, len(basket.Items))
	total := decimal.Zero
	for i, item := range basket.Items {
		item.Total = item.Total.Truncate(2)
		items[i] = item
		total = total.Add(item.Total)
	}

	return &Order{
		ID:        id,
		Ref:       NewRef(id, now),
		User:      basket.User,
		Email:     basket.ContactEmail(),
		Status:    status,
		Currency:  basket.Currency,
		Total:     total,
		SessionID: sessionID,
		Items:     items,
		CreatedAt: now,
	}
}

// NewRef returns a human-facing order reference like "2024-3F2A9C1B".
func NewRef(orderID string, now time.Time) string {
	short := strings.ReplaceAll(orderID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%d-%s", now.Year(), strings.ToUpper(short))
}

// applyPayment is the shared Pay logic for backends holding the full order
// in memory. It reports whether the order changed.
func applyPayment(order *Order, payment Payment, paidStatus Status, now time.Time) bool {
	if _, exists := order.Payment(payment.TransactionID); exists {
		return false
	}
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	order.Payments = append(order.Payments, payment)
	if order.IsPaid() {
		order.Status = paidStatus
	}
	return true
}

func applyRefund(order *Order, transactionID string) error {
	p, ok := order.Payment(transactionID)
	if !ok {
		return ErrPaymentNotFound
	}
	p.Refunded = true
	order.Status = StatusRefunded
	return nil
}
