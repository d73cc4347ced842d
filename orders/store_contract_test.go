package orders

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFixture is a Store plus the seeding its backend needs.
type storeFixture struct {
	Store
	addBasket func(t *testing.T, b *Basket)
	addOrder  func(t *testing.T, o *Order)
}

func contractBasket() *Basket {
	return &Basket{
		ID:       "b1",
		User:     &User{ID: "u1", Username: "ada", Email: "ada@example.com"},
		Currency: "EUR",
		Items: []Item{
			{Name: "Tee", Quantity: 2, Total: decimal.RequireFromString("20.00")},
			{Name: "Mug", Quantity: 1, Total: decimal.RequireFromString("5.00")},
		},
	}
}

func contractOrder(status Status) *Order {
	return &Order{
		ID:       "o1",
		Ref:      "2024-0000O001",
		Email:    "guest@example.com",
		Status:   status,
		Currency: "EUR",
		Total:    decimal.RequireFromString("25.00"),
		Items:    []Item{{Name: "Tee", Quantity: 1, Total: decimal.RequireFromString("25.00")}},
	}
}

// runStoreContract runs the behaviour every Store backend shares. newFixture
// must return an empty store.
func runStoreContract(t *testing.T, newFixture func(t *testing.T) storeFixture) {
	t.Run("CreateOrderFromBasket", func(t *testing.T) {
		ctx := context.Background()
		s := newFixture(t)
		basket := contractBasket()
		s.addBasket(t, basket)

		order, err := s.CreateOrderFromBasket(ctx, basket, StatusProcessing, "cs_1")
		require.NoError(t, err)
		assert.NotEmpty(t, order.ID)
		assert.Regexp(t, `^\d{4}-[0-9A-F]{8}$`, order.Ref)
		assert.Equal(t, StatusProcessing, order.Status)
		assert.Equal(t, "ada@example.com", order.Email)
		assert.True(t, order.Total.Equal(decimal.RequireFromString("25")))

		stored, err := s.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, order.Ref, stored.Ref)
		assert.Equal(t, "cs_1", stored.SessionID)
		require.NotNil(t, stored.User)
		assert.Equal(t, "u1", stored.User.ID)
		require.Len(t, stored.Items, 2)
		assert.Equal(t, "Tee", stored.Items[0].Name)
		assert.True(t, stored.Items[0].Total.Equal(decimal.RequireFromString("20")))

		_, err = s.GetBasket(ctx, basket.ID)
		assert.ErrorIs(t, err, ErrBasketNotFound)

		_, err = s.CreateOrderFromBasket(ctx, basket, StatusProcessing, "cs_1")
		assert.ErrorIs(t, err, ErrBasketNotFound)

		bySession, err := s.GetOrderBySession(ctx, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, order.ID, bySession.ID)

		_, err = s.GetOrderBySession(ctx, "")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("ConcurrentConversionCreatesOneOrder", func(t *testing.T) {
		ctx := context.Background()
		s := newFixture(t)
		basket := contractBasket()
		s.addBasket(t, basket)

		var (
			wg      sync.WaitGroup
			results [2]*Order
			errs    [2]error
		)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = s.CreateOrderFromBasket(ctx, basket, StatusProcessing, "cs_race")
			}(i)
		}
		wg.Wait()

		var winner *Order
		failed := 0
		for i := range results {
			if errs[i] == nil {
				winner = results[i]
				continue
			}
			assert.ErrorIs(t, errs[i], ErrBasketNotFound)
			failed++
		}
		require.NotNil(t, winner)
		assert.Equal(t, 1, failed)

		bySession, err := s.GetOrderBySession(ctx, "cs_race")
		require.NoError(t, err)
		assert.Equal(t, winner.ID, bySession.ID)
	})

	t.Run("PayIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newFixture(t)
		s.addOrder(t, contractOrder(StatusNew))
		payment := Payment{Amount: decimal.RequireFromString("25"), TransactionID: "pi_1", PaymentMethod: "stripe"}

		order, recorded, err := s.Pay(ctx, "o1", payment, StatusProcessing)
		require.NoError(t, err)
		assert.True(t, recorded)
		assert.Equal(t, StatusProcessing, order.Status)
		require.Len(t, order.Payments, 1)
		assert.NotEmpty(t, order.Payments[0].ID)

		order, recorded, err = s.Pay(ctx, "o1", payment, StatusCompleted)
		require.NoError(t, err)
		assert.False(t, recorded)
		assert.Len(t, order.Payments, 1)
		assert.Equal(t, StatusProcessing, order.Status)

		stored, err := s.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Len(t, stored.Payments, 1)
		assert.Equal(t, StatusProcessing, stored.Status)

		_, _, err = s.Pay(ctx, "missing", payment, StatusProcessing)
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("PartialPaymentsSwitchStatusOnceCovered", func(t *testing.T) {
		ctx := context.Background()
		s := newFixture(t)
		s.addOrder(t, contractOrder(StatusHold))

		order, recorded, err := s.Pay(ctx, "o1", Payment{Amount: decimal.RequireFromString("10"), TransactionID: "pi_1"}, StatusProcessing)
		require.NoError(t, err)
		assert.True(t, recorded)
		assert.Equal(t, StatusHold, order.Status)

		order, recorded, err = s.Pay(ctx, "o1", Payment{Amount: decimal.RequireFromString("15"), TransactionID: "pi_2"}, StatusProcessing)
		require.NoError(t, err)
		assert.True(t, recorded)
		assert.Equal(t, StatusProcessing, order.Status)
		assert.True(t, order.IsPaid())
	})

	t.Run("RefundPayment", func(t *testing.T) {
		ctx := context.Background()
		s := newFixture(t)
		s.addOrder(t, contractOrder(StatusNew))
		_, _, err := s.Pay(ctx, "o1", Payment{Amount: decimal.RequireFromString("25"), TransactionID: "pi_1"}, StatusProcessing)
		require.NoError(t, err)

		_, err = s.RefundPayment(ctx, "o1", "pi_unknown")
		assert.ErrorIs(t, err, ErrPaymentNotFound)

		order, err := s.RefundPayment(ctx, "o1", "pi_1")
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, order.Status)
		assert.True(t, order.Payments[0].Refunded)
		assert.False(t, order.IsPaid())

		stored, err := s.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, stored.Status)
		assert.True(t, stored.Payments[0].Refunded)

		_, err = s.RefundPayment(ctx, "missing", "pi_1")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("SaveStripeCustomerID", func(t *testing.T) {
		ctx := context.Background()
		s := newFixture(t)
		s.addBasket(t, contractBasket())

		require.NoError(t, s.SaveStripeCustomerID(ctx, "u1", "cus_123"))

		got, err := s.GetBasket(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "cus_123", got.User.StripeCustomerID)

		assert.ErrorIs(t, s.SaveStripeCustomerID(ctx, "nobody", "cus_1"), ErrUserNotFound)
	})

	t.Run("SetCheckoutSessionAndStatus", func(t *testing.T) {
		ctx := context.Background()
		s := newFixture(t)
		s.addOrder(t, contractOrder(StatusNew))

		require.NoError(t, s.SetCheckoutSession(ctx, "o1", "cs_9", "https://checkout.stripe.com/c/pay/cs_9"))
		require.NoError(t, s.UpdateStatus(ctx, "o1", StatusFailed))

		order, err := s.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, "cs_9", order.SessionID)
		assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_9", order.PaymentLink)
		assert.Equal(t, StatusFailed, order.Status)

		assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", StatusFailed), ErrOrderNotFound)
		assert.ErrorIs(t, s.SetCheckoutSession(ctx, "missing", "cs", ""), ErrOrderNotFound)
	})
}
