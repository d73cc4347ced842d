package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// schema is applied by Migrate; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		stripe_customer_id VARCHAR(128)
	)`,
	`CREATE TABLE IF NOT EXISTS baskets (
		id TEXT PRIMARY KEY,
		user_id TEXT REFERENCES users(id),
		email TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT '',
		extra JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS basket_items (
		basket_id TEXT NOT NULL REFERENCES baskets(id) ON DELETE CASCADE,
		position INT NOT NULL,
		name TEXT NOT NULL,
		quantity INT NOT NULL,
		total NUMERIC(18,2) NOT NULL,
		PRIMARY KEY (basket_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		ref TEXT NOT NULL UNIQUE,
		user_id TEXT REFERENCES users(id),
		email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		total NUMERIC(18,2) NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		payment_link TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS orders_session_id_idx ON orders (session_id) WHERE session_id <> ''`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		position INT NOT NULL,
		name TEXT NOT NULL,
		quantity INT NOT NULL,
		total NUMERIC(18,2) NOT NULL,
		PRIMARY KEY (order_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS order_payments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		amount NUMERIC(18,2) NOT NULL,
		transaction_id TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		refunded BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (order_id, transaction_id)
	)`,
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

const userColumns = `u.id, u.username, u.email, u.first_name, u.last_name, u.stripe_customer_id`

type nullUser struct {
	id, username, email, firstName, lastName, customerID sql.NullString
}

func (n *nullUser) dest() []any {
	return []any{&n.id, &n.username, &n.email, &n.firstName, &n.lastName, &n.customerID}
}

func (n *nullUser) user() *User {
	if !n.id.Valid {
		return nil
	}
	return &User{
		ID:               n.id.String,
		Username:         n.username.String,
		Email:            n.email.String,
		FirstName:        n.firstName.String,
		LastName:         n.lastName.String,
		StripeCustomerID: n.customerID.String,
	}
}

func (s *PostgresStore) GetBasket(ctx context.Context, basketID string) (*Basket, error) {
	query := `SELECT b.id, b.email, b.currency, b.extra, ` + userColumns + `
		FROM baskets b LEFT JOIN users u ON u.id = b.user_id
		WHERE b.id = $1`

	var (
		b     Basket
		extra []byte
		nu    nullUser
	)
	dest := append([]any{&b.ID, &b.Email, &b.Currency, &extra}, nu.dest()...)
	err := s.db.QueryRowContext(ctx, query, basketID).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBasketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get basket: %w", err)
	}
	b.User = nu.user()

	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &b.Extra); err != nil {
			return nil, fmt.Errorf("failed to decode basket extra: %w", err)
		}
	}

	b.Items, err = queryItems(ctx, s.db, `SELECT name, quantity, total FROM basket_items WHERE basket_id = $1 ORDER BY position`, b.ID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.getOrder(ctx, s.db, `o.id = $1`, orderID)
}

func (s *PostgresStore) GetOrderBySession(ctx context.Context, sessionID string) (*Order, error) {
	if sessionID == "" {
		return nil, ErrOrderNotFound
	}
	return s.getOrder(ctx, s.db, `o.session_id = $1`, sessionID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) getOrder(ctx context.Context, q queryer, where string, arg string) (*Order, error) {
	query := `SELECT o.id, o.ref, o.email, o.status, o.currency, o.total, o.session_id, o.payment_link, o.created_at, ` + userColumns + `
		FROM orders o LEFT JOIN users u ON u.id = o.user_id
		WHERE ` + where

	var (
		o  Order
		nu nullUser
	)
	dest := append([]any{&o.ID, &o.Ref, &o.Email, &o.Status, &o.Currency, &o.Total, &o.SessionID, &o.PaymentLink, &o.CreatedAt}, nu.dest()...)
	err := q.QueryRowContext(ctx, query, arg).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	o.User = nu.user()

	o.Items, err = queryItems(ctx, q, `SELECT name, quantity, total FROM order_items WHERE order_id = $1 ORDER BY position`, o.ID)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, amount, transaction_id, payment_method, refunded, created_at
		FROM order_payments WHERE order_id = $1 ORDER BY created_at, id`, o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.Amount, &p.TransactionID, &p.PaymentMethod, &p.Refunded, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		o.Payments = append(o.Payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

func queryItems(ctx context.Context, q queryer, query, id string) ([]Item, error) {
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Name, &item.Quantity, &item.Total); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateOrderFromBasket(ctx context.Context, basket *Basket, status Status, sessionID string) (*Order, error) {
	order := NewOrderFromBasket(basket, status, sessionID, time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Deleting first locks the basket row, so two webhooks racing on the same
	// basket cannot both create an order.
	if _, err := tx.ExecContext(ctx, `DELETE FROM basket_items WHERE basket_id = $1`, basket.ID); err != nil {
		return nil, fmt.Errorf("failed to delete basket items: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM baskets WHERE id = $1`, basket.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete basket: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrBasketNotFound
	}

	var userID sql.NullString
	if order.User != nil {
		userID = sql.NullString{String: order.User.ID, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, ref, user_id, email, status, currency, total, session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		order.ID, order.Ref, userID, order.Email, order.Status, order.Currency, order.Total, order.SessionID, order.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	if err := copyOrderItems(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit order transaction: %w", err)
	}
	return order, nil
}

// copyOrderItems bulk loads the order lines with COPY.
func copyOrderItems(ctx context.Context, tx *sql.Tx, order *Order) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("order_items", "order_id", "position", "name", "quantity", "total"))
	if err != nil {
		return fmt.Errorf("failed to prepare order items copy: %w", err)
	}
	defer stmt.Close()

	for i, item := range order.Items {
		if _, err := stmt.ExecContext(ctx, order.ID, i, item.Name, item.Quantity, item.Total); err != nil {
			return fmt.Errorf("failed to copy order item: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to flush order items: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pay(ctx context.Context, orderID string, payment Payment, paidStatus Status) (*Order, bool, error) {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Warum FOR UPDATE?
	// → Zwei Webhooks für dieselbe Order laufen hier nacheinander
	// → Status wird aus der Summe berechnet, die der zweite sonst nicht sieht
	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrOrderNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock order: %w", err)
	}

	// Warum ON CONFLICT statt 23505 abfangen?
	// → Ein fehlgeschlagenes Statement bricht die ganze Transaktion ab (25P02)
	result, err := tx.ExecContext(ctx, `
		INSERT INTO order_payments (id, order_id, amount, transaction_id, payment_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id, transaction_id) DO NOTHING`,
		payment.ID, orderID, payment.Amount, payment.TransactionID, payment.PaymentMethod, payment.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	recorded := n > 0

	order, err := s.getOrder(ctx, tx, `o.id = $1`, orderID)
	if err != nil {
		return nil, false, err
	}

	if recorded && order.IsPaid() {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, paidStatus, orderID); err != nil {
			return nil, false, fmt.Errorf("failed to update order status: %w", err)
		}
		order.Status = paidStatus
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit payment transaction: %w", err)
	}
	return order, recorded, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, orderID string, status Status) error {
	return s.execOrder(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, status, orderID)
}

func (s *PostgresStore) SetCheckoutSession(ctx context.Context, orderID, sessionID, paymentLink string) error {
	return s.execOrder(ctx, `UPDATE orders SET session_id = $1, payment_link = $2 WHERE id = $3`, sessionID, paymentLink, orderID)
}

func (s *PostgresStore) execOrder(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *PostgresStore) SaveStripeCustomerID(ctx context.Context, userID, customerID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET stripe_customer_id = $1 WHERE id = $2`, customerID, userID)
	if err != nil {
		return fmt.Errorf("failed to save stripe customer id: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) RefundPayment(ctx context.Context, orderID, transactionID string) (*Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, StatusRefunded, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrOrderNotFound
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE order_payments SET refunded = TRUE
		WHERE order_id = $1 AND transaction_id = $2`, orderID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to refund payment: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrPaymentNotFound
	}

	order, err := s.getOrder(ctx, tx, `o.id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit refund transaction: %w", err)
	}
	return order, nil
}

var _ Store = (*PostgresStore)(nil)
