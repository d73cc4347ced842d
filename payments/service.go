package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"

	"github.com/timour/stripe-checkout/common/broker"
	"github.com/timour/stripe-checkout/common/metrics"
	"github.com/timour/stripe-checkout/orders"
	"github.com/timour/stripe-checkout/payments/processor"
)

const paymentIdentifier = "stripe"

// StripeSettings are the payment method options read from the environment.
type StripeSettings struct {
	PaymentLabel    string
	DefaultCurrency string
	CancelURL       string
	SuccessURL      string
	PaidStatus      orders.Status
	PublicURL       string
}

type service struct {
	store     orders.Store
	processor processor.PaymentProcessor
	publisher EventPublisher
	settings  StripeSettings
	metrics   *metrics.CheckoutMetrics
	logger    *slog.Logger
}

func NewService(
	store orders.Store,
	processor processor.PaymentProcessor,
	publisher EventPublisher,
	settings StripeSettings,
	m *metrics.CheckoutMetrics,
	logger *slog.Logger,
) *service {
	return &service{
		store:     store,
		processor: processor,
		publisher: publisher,
		settings:  settings,
		metrics:   m,
		logger:    logger,
	}
}

// BasketPayment creates a checkout session for a basket and returns the
// hosted page URL. The order is created later, when Stripe reports the
// session completed.
func (s *service) BasketPayment(ctx context.Context, basketID string, urls CheckoutURLs) (string, error) {
	basket, err := s.store.GetBasket(ctx, basketID)
	if err != nil {
		return "", err
	}

	session, err := s.processPayment(ctx, basket, urls)
	if err != nil {
		return "", err
	}
	s.metrics.SessionsCreated.WithLabelValues(orders.KindBasket).Inc()

	s.logger.Info("checkout session created",
		slog.String("basket_id", basket.ID),
		slog.String("session_id", session.ID),
		slog.String("total", basket.Total().StringFixed(2)),
	)
	return session.URL, nil
}

// OrderPayment creates a checkout session for an existing order and stores
// the session on it.
func (s *service) OrderPayment(ctx context.Context, orderID string, urls CheckoutURLs) (string, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}

	session, err := s.processPayment(ctx, order, urls)
	if err != nil {
		return "", err
	}

	if err := s.store.SetCheckoutSession(ctx, order.ID, session.ID, session.URL); err != nil {
		return "", fmt.Errorf("failed to store checkout session: %w", err)
	}
	s.metrics.SessionsCreated.WithLabelValues(orders.KindOrder).Inc()

	s.logger.Info("checkout session created",
		slog.String("order_id", order.ID),
		slog.String("session_id", session.ID),
	)
	return session.URL, nil
}

func (s *service) processPayment(ctx context.Context, obj orders.Payable, urls CheckoutURLs) (*processor.CheckoutSession, error) {
	customerID, err := s.resolveCustomer(ctx, obj)
	if err != nil {
		return nil, s.paymentError(obj, err)
	}

	session, err := s.processor.CreateCheckoutSession(ctx, s.sessionRequest(obj, customerID, urls))
	if err != nil {
		return nil, s.paymentError(obj, err)
	}
	return session, nil
}

func (s *service) paymentError(obj orders.Payable, err error) error {
	if !errors.Is(err, processor.ErrProcessor) {
		return err
	}
	s.logger.Error("stripe checkout failed",
		slog.String("reference", obj.Reference()),
		slog.Any("error", err),
	)
	return &PaymentError{Msg: err.Error(), Err: err}
}

func (s *service) sessionRequest(obj orders.Payable, customerID string, urls CheckoutURLs) *processor.CheckoutSessionRequest {
	currency := s.currency(obj)

	items := obj.LineItems()
	lineItems := make([]processor.LineItem, 0, len(items))
	for _, item := range items {
		lineItems = append(lineItems, processor.LineItem{
			Name:       fmt.Sprintf("%dx %s", item.Quantity, item.Name),
			UnitAmount: item.Cents(),
			Quantity:   1,
		})
	}

	return &processor.CheckoutSessionRequest{
		CancelURL:         urls.Cancel,
		SuccessURL:        urls.Success,
		ClientReferenceID: obj.Reference(),
		CustomerID:        customerID,
		Currency:          currency,
		LineItems:         lineItems,
	}
}

func (s *service) currency(obj orders.Payable) string {
	if c := obj.CurrencyCode(); c != "" {
		return strings.ToLower(c)
	}
	return strings.ToLower(s.settings.DefaultCurrency)
}

// resolveCustomer updates the user's stored Stripe customer, or creates a new
// one and stores its ID on the user. Anonymous checkouts always get a fresh
// customer.
func (s *service) resolveCustomer(ctx context.Context, obj orders.Payable) (string, error) {
	data := customerData(obj)
	user := obj.Customer()

	if user != nil && user.StripeCustomerID != "" {
		customer, err := s.processor.UpdateCustomer(ctx, user.StripeCustomerID, data)
		if err == nil {
			return customer.ID, nil
		}
		s.logger.Warn("failed to update stripe customer, creating a new one",
			slog.String("user_id", user.ID),
			slog.String("customer_id", user.StripeCustomerID),
			slog.Any("error", err),
		)
	}

	customer, err := s.processor.CreateCustomer(ctx, data)
	if err != nil {
		return "", err
	}

	if user != nil {
		if err := s.store.SaveStripeCustomerID(ctx, user.ID, customer.ID); err != nil {
			s.logger.Warn("failed to save stripe customer id",
				slog.String("user_id", user.ID),
				slog.Any("error", err),
			)
		}
	}
	return customer.ID, nil
}

func customerData(obj orders.Payable) processor.CustomerData {
	user := obj.Customer()
	if user == nil {
		return processor.CustomerData{Email: obj.ContactEmail()}
	}

	name := user.FullName()
	if name == "" {
		name = user.Username
	}
	return processor.CustomerData{Email: user.Email, Name: name}
}

// RefundPayment refunds a captured payment through Stripe. It returns false
// when Stripe rejects the refund.
func (s *service) RefundPayment(ctx context.Context, orderID, transactionID string) (bool, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if _, ok := order.Payment(transactionID); !ok {
		return false, orders.ErrPaymentNotFound
	}

	if _, err := s.processor.Refund(ctx, transactionID); err != nil {
		s.logger.Error("stripe refund failed",
			slog.String("order_id", orderID),
			slog.String("transaction_id", transactionID),
			slog.Any("error", err),
		)
		s.metrics.Refunds.WithLabelValues("failed").Inc()
		return false, nil
	}

	if _, err := s.store.RefundPayment(ctx, orderID, transactionID); err != nil {
		return false, fmt.Errorf("failed to mark payment refunded: %w", err)
	}
	s.metrics.Refunds.WithLabelValues("refunded").Inc()

	s.logger.Info("payment refunded",
		slog.String("order_id", orderID),
		slog.String("transaction_id", transactionID),
	)
	return true, nil
}

// HandleEvent fulfils orders from verified Stripe events.
func (s *service) HandleEvent(ctx context.Context, event *stripe.Event) WebhookResult {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
	default:
		return WebhookResult{http.StatusOK, "Event ignored"}
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		s.logger.Error("failed to parse checkout session", slog.Any("error", err))
		return WebhookResult{http.StatusBadRequest, "Invalid payload"}
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return s.sessionCompleted(ctx, &session)
	case stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		order, res := s.sessionOrder(ctx, &session)
		if order == nil {
			return res
		}
		return s.capture(ctx, order, &session)
	default:
		order, res := s.sessionOrder(ctx, &session)
		if order == nil {
			return res
		}
		return s.fail(ctx, order)
	}
}

func (s *service) sessionCompleted(ctx context.Context, session *stripe.CheckoutSession) WebhookResult {
	paid := session.PaymentStatus != stripe.CheckoutSessionPaymentStatusUnpaid

	var order *orders.Order
	kind, id, _ := orders.ParseReference(session.ClientReferenceID)
	switch kind {
	case orders.KindBasket:
		basket, err := s.store.GetBasket(ctx, id)
		if errors.Is(err, orders.ErrBasketNotFound) {
			s.logger.Error("missing basket", slog.String("basket_id", id))
			return WebhookResult{http.StatusBadRequest, "Missing basket"}
		}
		if err != nil {
			return s.internalError("failed to get basket", err)
		}

		status := s.settings.PaidStatus
		if !paid {
			status = orders.StatusHold
		}
		order, err = s.store.CreateOrderFromBasket(ctx, basket, status, session.ID)
		if errors.Is(err, orders.ErrBasketNotFound) {
			// Another delivery converted the basket first.
			s.logger.Error("missing basket", slog.String("basket_id", id))
			return WebhookResult{http.StatusBadRequest, "Missing basket"}
		}
		if err != nil {
			return s.internalError("failed to create order from basket", err)
		}
	case orders.KindOrder:
		var err error
		order, err = s.store.GetOrder(ctx, id)
		if errors.Is(err, orders.ErrOrderNotFound) {
			s.logger.Error("missing order", slog.String("order_id", id))
			return WebhookResult{http.StatusBadRequest, "Missing order"}
		}
		if err != nil {
			return s.internalError("failed to get order", err)
		}
	default:
		s.logger.Error("invalid session reference", slog.String("session_id", session.ID))
		return WebhookResult{http.StatusBadRequest, "Invalid session reference"}
	}

	if !paid {
		// Warum IsPaid prüfen?
		// → Eine zweite, unbezahlte Session darf eine bezahlte Order nicht auf HOLD zurücksetzen
		if order.IsPaid() {
			s.logger.Info("order already paid, ignoring unpaid session",
				slog.String("order_ref", order.Ref),
				slog.String("session_id", session.ID),
			)
			return WebhookResult{http.StatusOK, "Order fulfilled"}
		}
		if err := s.store.UpdateStatus(ctx, order.ID, orders.StatusHold); err != nil {
			return s.internalError("failed to hold order", err)
		}
		s.logger.Info("order on hold", slog.String("order_ref", order.Ref))
		return WebhookResult{http.StatusOK, "Order on hold"}
	}
	return s.capture(ctx, order, session)
}

// sessionOrder finds the order an async payment event refers to. Basket
// sessions are matched through the session ID stored on conversion.
func (s *service) sessionOrder(ctx context.Context, session *stripe.CheckoutSession) (*orders.Order, WebhookResult) {
	var (
		order *orders.Order
		err   error
	)
	kind, id, _ := orders.ParseReference(session.ClientReferenceID)
	switch kind {
	case orders.KindOrder:
		order, err = s.store.GetOrder(ctx, id)
	case orders.KindBasket:
		order, err = s.store.GetOrderBySession(ctx, session.ID)
	default:
		s.logger.Error("invalid session reference", slog.String("session_id", session.ID))
		return nil, WebhookResult{http.StatusBadRequest, "Invalid session reference"}
	}

	if errors.Is(err, orders.ErrOrderNotFound) {
		s.logger.Error("missing order",
			slog.String("reference", session.ClientReferenceID),
			slog.String("session_id", session.ID),
		)
		return nil, WebhookResult{http.StatusBadRequest, "Missing order"}
	}
	if err != nil {
		return nil, s.internalError("failed to get order", err)
	}
	return order, WebhookResult{}
}

// capture records the session's payment on the order.
func (s *service) capture(ctx context.Context, order *orders.Order, session *stripe.CheckoutSession) WebhookResult {
	payment := orders.Payment{
		Amount:        decimal.New(session.AmountTotal, -2),
		PaymentMethod: paymentIdentifier,
	}
	if session.PaymentIntent != nil {
		payment.TransactionID = session.PaymentIntent.ID
	}

	paid, recorded, err := s.store.Pay(ctx, order.ID, payment, s.settings.PaidStatus)
	if err != nil {
		return s.internalError("failed to capture payment", err)
	}
	if !recorded {
		s.logger.Info("payment already captured",
			slog.String("order_ref", paid.Ref),
			slog.String("transaction_id", payment.TransactionID),
		)
		return WebhookResult{http.StatusOK, "Order fulfilled"}
	}
	s.metrics.OrdersPaid.Inc()

	s.publish(ctx, broker.OrderPaidEvent, OrderEvent{
		OrderID:       paid.ID,
		Ref:           paid.Ref,
		Status:        string(paid.Status),
		Amount:        payment.Amount.StringFixed(2),
		Currency:      strings.ToLower(string(session.Currency)),
		TransactionID: payment.TransactionID,
	})

	s.logger.Info("order fulfilled",
		slog.String("order_ref", paid.Ref),
		slog.String("transaction_id", payment.TransactionID),
	)
	return WebhookResult{http.StatusOK, "Order fulfilled"}
}

func (s *service) fail(ctx context.Context, order *orders.Order) WebhookResult {
	if err := s.store.UpdateStatus(ctx, order.ID, orders.StatusFailed); err != nil {
		return s.internalError("failed to mark order failed", err)
	}
	s.metrics.OrdersFailed.Inc()

	s.publish(ctx, broker.OrderPaymentFailedEvent, OrderEvent{
		OrderID: order.ID,
		Ref:     order.Ref,
		Status:  string(orders.StatusFailed),
	})

	s.logger.Warn("order payment failed", slog.String("order_ref", order.Ref))
	return WebhookResult{http.StatusOK, "Order failed"}
}

// publish is best effort: the order state is already committed.
func (s *service) publish(ctx context.Context, event string, payload OrderEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event, payload); err != nil {
		s.logger.Error("failed to publish event",
			slog.String("event", event),
			slog.String("order_id", payload.OrderID),
			slog.Any("error", err),
		)
	}
}

func (s *service) internalError(msg string, err error) WebhookResult {
	s.logger.Error(msg, slog.Any("error", err))
	return WebhookResult{http.StatusInternalServerError, "Internal error"}
}

var _ CheckoutService = (*service)(nil)
