package orders

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusNew        Status = "NEW"
	StatusCreated    Status = "CREATED"
	StatusHold       Status = "HOLD"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusCompleted  Status = "COMPLETED"
	StatusRefunded   Status = "REFUNDED"
)

var statuses = []Status{
	StatusNew, StatusCreated, StatusHold, StatusFailed, StatusCancelled,
	StatusProcessing, StatusShipped, StatusCompleted, StatusRefunded,
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, bool) {
	for _, st := range statuses {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// User is the account owning a basket or order.
type User struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	StripeCustomerID string `json:"-"`
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Item is a basket or order line. Total is the line total, not unit price.
type Item struct {
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Total    decimal.Decimal `json:"total"`
}

// Cents is the line total in minor units as charged at checkout. Fractions
// of a cent are truncated.
func (i Item) Cents() int64 {
	return i.Total.Shift(2).IntPart()
}

// Payment is a captured payment on an order.
type Payment struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	PaymentMethod string          `json:"payment_method"`
	Refunded      bool            `json:"refunded"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Payable is what a checkout session can be built from: a Basket or an Order.
type Payable interface {
	Reference() string
	Customer() *User
	ContactEmail() string
	LineItems() []Item
	CurrencyCode() string
}

type Basket struct {
	ID       string
	User     *User
	Email    string
	Currency string
	Extra    map[string]any
	Items    []Item
}

func (b *Basket) Reference() string    { return KindBasket + "_" + b.ID }
func (b *Basket) Customer() *User      { return b.User }
func (b *Basket) LineItems() []Item    { return b.Items }
func (b *Basket) CurrencyCode() string { return b.Currency }

// ContactEmail prefers the user's address, then the basket's, then the
// "email" key collected during checkout.
func (b *Basket) ContactEmail() string {
	if b.User != nil && b.User.Email != "" {
		return b.User.Email
	}
	if b.Email != "" {
		return b.Email
	}
	return cast.ToString(b.Extra["email"])
}

func (b *Basket) Total() decimal.Decimal {
	return sumItems(b.Items)
}

type Order struct {
	ID          string
	Ref         string
	User        *User
	Email       string
	Status      Status
	Currency    string
	Total       decimal.Decimal
	SessionID   string
	PaymentLink string
	Items       []Item
	Payments    []Payment
	CreatedAt   time.Time
}

func (o *Order) Reference() string    { return KindOrder + "_" + o.ID }
func (o *Order) Customer() *User      { return o.User }
func (o *Order) LineItems() []Item    { return o.Items }
func (o *Order) CurrencyCode() string { return o.Currency }

func (o *Order) ContactEmail() string {
	if o.User != nil && o.User.Email != "" {
		return o.User.Email
	}
	return o.Email
}

// AmountPaid sums captured payments that were not refunded.
func (o *Order) AmountPaid() decimal.Decimal {
	paid := decimal.Zero
	for _, p := range o.Payments {
		if !p.Refunded {
			paid = paid.Add(p.Amount)
		}
	}
	return paid
}

// AmountDue is what a checkout session for the order charges: the sum of
// the lines in whole cents. Orders without lines fall back to Total.
func (o *Order) AmountDue() decimal.Decimal {
	if len(o.Items) == 0 {
		return o.Total.Truncate(2)
	}
	var cents int64
	for _, item := range o.Items {
		cents += item.Cents()
	}
	return decimal.New(cents, -2)
}

func (o *Order) IsPaid() bool {
	return o.AmountPaid().GreaterThanOrEqual(o.AmountDue())
}

// Payment returns the payment with the given transaction ID.
func (o *Order) Payment(transactionID string) (*Payment, bool) {
	for i := range o.Payments {
		if o.Payments[i].TransactionID == transactionID {
			return &o.Payments[i], true
		}
	}
	return nil, false
}

func sumItems(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Total)
	}
	return total
}
