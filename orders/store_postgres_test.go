package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Set CHECKOUT_TEST_POSTGRES_DSN to a throwaway database to run these; the
// tables are truncated before every case.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CHECKOUT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHECKOUT_TEST_POSTGRES_DSN not set")
	}

	runStoreContract(t, func(t *testing.T) storeFixture {
		ctx := context.Background()
		s, err := NewPostgresStore(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })

		require.NoError(t, s.Migrate(ctx))
		_, err = s.db.ExecContext(ctx, `TRUNCATE order_payments, order_items, orders, basket_items, baskets, users`)
		require.NoError(t, err)

		return storeFixture{
			Store:     s,
			addBasket: func(t *testing.T, b *Basket) { require.NoError(t, pgSeedBasket(ctx, s.db, b)) },
			addOrder:  func(t *testing.T, o *Order) { require.NoError(t, pgSeedOrder(ctx, s.db, o)) },
		}
	})
}

func pgSeedUser(ctx context.Context, db *sql.DB, u *User) (sql.NullString, error) {
	if u == nil {
		return sql.NullString{}, nil
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, first_name, last_name, stripe_customer_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Username, u.Email, u.FirstName, u.LastName, u.StripeCustomerID)
	return sql.NullString{String: u.ID, Valid: true}, err
}

func pgSeedBasket(ctx context.Context, db *sql.DB, b *Basket) error {
	userID, err := pgSeedUser(ctx, db, b.User)
	if err != nil {
		return err
	}

	extra := []byte("{}")
	if b.Extra != nil {
		if extra, err = json.Marshal(b.Extra); err != nil {
			return err
		}
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO baskets (id, user_id, email, currency, extra) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, userID, b.Email, b.Currency, string(extra)); err != nil {
		return err
	}

	for i, item := range b.Items {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO basket_items (basket_id, position, name, quantity, total) VALUES ($1, $2, $3, $4, $5)`,
			b.ID, i, item.Name, item.Quantity, item.Total); err != nil {
			return err
		}
	}
	return nil
}

func pgSeedOrder(ctx context.Context, db *sql.DB, o *Order) error {
	userID, err := pgSeedUser(ctx, db, o.User)
	if err != nil {
		return err
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, ref, user_id, email, status, currency, total, session_id, payment_link, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.Ref, userID, o.Email, o.Status, o.Currency, o.Total, o.SessionID, o.PaymentLink, createdAt); err != nil {
		return err
	}
	if err := copyOrderItems(ctx, tx, o); err != nil {
		return err
	}
	for _, p := range o.Payments {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_payments (id, order_id, amount, transaction_id, payment_method, refunded)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, o.ID, p.Amount, p.TransactionID, p.PaymentMethod, p.Refunded); err != nil {
			return err
		}
	}
	return tx.Commit()
}
