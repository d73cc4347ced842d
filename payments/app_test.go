package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/stripe-checkout/discovery/inmem"
	"github.com/timour/stripe-checkout/orders"
)

func TestLoadConfigRequiresStripeKeys(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := LoadConfig()
	require.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_1")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("STRIPE_PAYMENT_LABEL", "")
	t.Setenv("STRIPE_DEFAULT_CURRENCY", "")
	t.Setenv("STRIPE_PAID_STATUS", "")
	t.Setenv("PUBLIC_URL", "https://pay.example.com/")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	settings, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, "Pay with Stripe", settings.PaymentLabel)
	assert.Equal(t, "USD", settings.DefaultCurrency)
	assert.Equal(t, orders.StatusProcessing, settings.PaidStatus)
	assert.Equal(t, "https://pay.example.com", settings.PublicURL)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadConfigRejectsUnknownPaidStatus(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_1")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("STRIPE_PAID_STATUS", "PAID_IN_FULL")

	_, err := LoadConfig()
	assert.ErrorIs(t, err, ErrConfig)
}

func TestAppRegistersInProcessWithoutConsul(t *testing.T) {
	cfg := Config{
		ServiceName:     "payments",
		InstanceID:      "payments-test",
		HTTPAddr:        "127.0.0.1:0",
		StoreDriver:     "memory",
		DedupTTL:        time.Hour,
		StripeSecretKey: "sk_test_1",
		PaymentLabel:    "Pay with Stripe",
		DefaultCurrency: "USD",
		PaidStatus:      string(orders.StatusProcessing),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApp(ctx, cfg, discardLogger())
	require.NoError(t, err)
	registry, ok := app.registry.(*inmem.Registry)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- app.Start(ctx) }()

	assert.Eventually(t, func() bool {
		addrs, err := registry.Discover(ctx, "payments")
		return err == nil && len(addrs) == 1 && addrs[0] == cfg.HTTPAddr
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, app.Shutdown(context.Background()))

	_, err = registry.Discover(context.Background(), "payments")
	assert.ErrorIs(t, err, inmem.ErrNoInstances)
}
