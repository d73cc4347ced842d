package main

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/timour/stripe-checkout/common/metrics"
	"github.com/timour/stripe-checkout/orders"
)

const (
	maxWebhookBodyBytes = int64(65536)

	cancelPath  = "/stripe/cancel/"
	successPath = "/stripe/success/"
	webhookPath = "/stripe/webhook/"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type PaymentHTTPHandler struct {
	service       CheckoutService
	deduper       EventDeduper
	settings      StripeSettings
	webhookSecret string
	auth          *adminAuth
	metrics       *metrics.CheckoutMetrics
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
}

func NewPaymentHTTPHandler(
	service CheckoutService,
	deduper EventDeduper,
	settings StripeSettings,
	webhookSecret string,
	adminSecret string,
	m *metrics.CheckoutMetrics,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *PaymentHTTPHandler {
	return &PaymentHTTPHandler{
		service:       service,
		deduper:       deduper,
		settings:      settings,
		webhookSecret: webhookSecret,
		auth:          newAdminAuth(adminSecret, logger),
		metrics:       m,
		gatherer:      gatherer,
		logger:        logger,
	}
}

func (h *PaymentHTTPHandler) registerRoutes(router *http.ServeMux) {
	router.HandleFunc("GET /api/payment-methods", h.handlePaymentMethods)
	router.HandleFunc("POST /api/checkout/stripe/baskets/{basketID}", h.handleBasketCheckout)
	router.HandleFunc("POST /api/checkout/stripe/orders/{orderID}", h.handleOrderCheckout)
	router.HandleFunc("POST /api/orders/{orderID}/payments/{transactionID}/refund", h.auth.require(h.handleRefund))

	router.HandleFunc("GET "+cancelPath+"{$}", h.handleCancel)
	router.HandleFunc("GET "+successPath+"{$}", h.handleSuccess)
	router.HandleFunc("POST "+webhookPath+"{$}", h.handleCheckoutWebhook)

	router.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
}

func (h *PaymentHTTPHandler) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods := []PaymentMethod{{Identifier: paymentIdentifier, Label: h.settings.PaymentLabel}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(methods)
}

func (h *PaymentHTTPHandler) handleBasketCheckout(w http.ResponseWriter, r *http.Request) {
	basketID := r.PathValue("basketID")

	url, err := h.service.BasketPayment(r.Context(), basketID, NewCheckoutURLs(h.baseURL(r)))
	if err != nil {
		h.writeCheckoutError(w, err, slog.String("basket_id", basketID))
		return
	}
	writeURL(w, url)
}

func (h *PaymentHTTPHandler) handleOrderCheckout(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")

	url, err := h.service.OrderPayment(r.Context(), orderID, NewCheckoutURLs(h.baseURL(r)))
	if err != nil {
		h.writeCheckoutError(w, err, slog.String("order_id", orderID))
		return
	}
	writeURL(w, url)
}

func (h *PaymentHTTPHandler) writeCheckoutError(w http.ResponseWriter, err error, attr slog.Attr) {
	var paymentErr *PaymentError
	switch {
	case errors.Is(err, orders.ErrBasketNotFound):
		http.Error(w, "Basket not found", http.StatusNotFound)
	case errors.Is(err, orders.ErrOrderNotFound):
		http.Error(w, "Order not found", http.StatusNotFound)
	case errors.As(err, &paymentErr):
		http.Error(w, paymentErr.Msg, http.StatusPaymentRequired)
	default:
		h.logger.Error("checkout failed", attr, slog.Any("error", err))
		http.Error(w, "Failed to create checkout session", http.StatusInternalServerError)
	}
}

func writeURL(w http.ResponseWriter, url string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"url": url})
}

func (h *PaymentHTTPHandler) handleRefund(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")
	transactionID := r.PathValue("transactionID")

	refunded, err := h.service.RefundPayment(r.Context(), orderID, transactionID)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	case errors.Is(err, orders.ErrPaymentNotFound):
		http.Error(w, "Payment not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("refund failed",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)
		http.Error(w, "Failed to refund payment", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"refunded": refunded})
}

func (h *PaymentHTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if h.settings.CancelURL != "" {
		http.Redirect(w, r, h.settings.CancelURL, http.StatusFound)
		return
	}
	h.render(w, "cancel.html")
}

func (h *PaymentHTTPHandler) handleSuccess(w http.ResponseWriter, r *http.Request) {
	if h.settings.SuccessURL != "" {
		http.Redirect(w, r, h.settings.SuccessURL, http.StatusFound)
		return
	}
	h.render(w, "success.html")
}

func (h *PaymentHTTPHandler) render(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct{ Label string }{Label: h.settings.PaymentLabel}
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("failed to render page", slog.String("page", name), slog.Any("error", err))
	}
}

func (h *PaymentHTTPHandler) handleCheckoutWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", slog.Any("error", err))
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	// Warum IgnoreAPIVersionMismatch?
	// → Die API Version im Dashboard kann neuer sein als die von stripe-go v78
	// → Die Signatur wird trotzdem geprüft
	event, err := webhook.ConstructEventWithOptions(
		body,
		r.Header.Get("Stripe-Signature"),
		h.webhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		if isSignatureError(err) {
			h.logger.Error("invalid webhook signature", slog.Any("error", err))
			h.metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
			http.Error(w, "Invalid signature", http.StatusBadRequest)
			return
		}
		h.logger.Error("invalid webhook payload", slog.Any("error", err))
		h.metrics.WebhookEvents.WithLabelValues("unknown", "invalid_payload").Inc()
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	eventType := string(event.Type)
	ctx := r.Context()

	if event.ID != "" {
		claimed, err := h.deduper.Claim(ctx, event.ID)
		if err != nil {
			// Handling twice beats dropping the event; Pay is idempotent.
			h.logger.Warn("webhook dedupe unavailable", slog.Any("error", err))
			claimed = true
		}
		if !claimed {
			h.metrics.WebhookEvents.WithLabelValues(eventType, "duplicate").Inc()
			writeText(w, http.StatusOK, "Event already processed")
			return
		}
	}

	// Warum Release bei Fehler?
	// → Stripe schickt das Event erneut, der nächste Versuch soll nicht als Duplikat enden
	res := h.service.HandleEvent(ctx, &event)
	if res.Status != http.StatusOK && event.ID != "" {
		if err := h.deduper.Release(ctx, event.ID); err != nil {
			h.logger.Warn("failed to release webhook event", slog.String("event_id", event.ID), slog.Any("error", err))
		}
	}

	h.metrics.WebhookEvents.WithLabelValues(eventType, webhookResultLabel(res)).Inc()
	h.logger.Info("webhook handled",
		slog.String("event_id", event.ID),
		slog.String("event_type", eventType),
		slog.Int("status", res.Status),
		slog.String("result", res.Message),
	)
	writeText(w, res.Status, res.Message)
}

// isSignatureError tells header and signature failures apart from payloads
// that verify but do not decode.
func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

func webhookResultLabel(res WebhookResult) string {
	switch {
	case res.Message == "Event ignored":
		return "ignored"
	case res.Status >= http.StatusInternalServerError:
		return "error"
	case res.Status >= http.StatusBadRequest:
		return "rejected"
	default:
		return "handled"
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}

// baseURL is the configured public URL or, failing that, the origin the
// request came in on.
func (h *PaymentHTTPHandler) baseURL(r *http.Request) string {
	if h.settings.PublicURL != "" {
		return strings.TrimRight(h.settings.PublicURL, "/")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
