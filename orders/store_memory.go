package orders

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Returned values are copies.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	baskets map[string]*Basket
	orders  map[string]*Order
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   map[string]*User{},
		baskets: map[string]*Basket{},
		orders:  map[string]*Order{},
		now:     time.Now,
	}
}

// AddUser, AddBasket and AddOrder seed the store.
func (s *MemoryStore) AddUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = cloneUser(u)
}

func (s *MemoryStore) AddBasket(b *Basket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.User != nil {
		s.users[b.User.ID] = cloneUser(b.User)
	}
	s.baskets[b.ID] = cloneBasket(b)
}

func (s *MemoryStore) AddOrder(o *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.User != nil {
		s.users[o.User.ID] = cloneUser(o.User)
	}
	s.orders[o.ID] = cloneOrder(o)
}

func (s *MemoryStore) GetBasket(ctx context.Context, basketID string) (*Basket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baskets[basketID]
	if !ok {
		return nil, ErrBasketNotFound
	}
	out := cloneBasket(b)
	out.User = s.resolveUser(b.User)
	return out, nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	out := cloneOrder(o)
	out.User = s.resolveUser(o.User)
	return out, nil
}

func (s *MemoryStore) GetOrderBySession(ctx context.Context, sessionID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if sessionID != "" && o.SessionID == sessionID {
			out := cloneOrder(o)
			out.User = s.resolveUser(o.User)
			return out, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (s *MemoryStore) CreateOrderFromBasket(ctx context.Context, basket *Basket, status Status, sessionID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.baskets[basket.ID]; !ok {
		return nil, ErrBasketNotFound
	}
	order := NewOrderFromBasket(basket, status, sessionID, s.now())
	s.orders[order.ID] = cloneOrder(order)
	delete(s.baskets, basket.ID)
	return order, nil
}

func (s *MemoryStore) Pay(ctx context.Context, orderID string, payment Payment, paidStatus Status) (*Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, false, ErrOrderNotFound
	}
	recorded := applyPayment(o, payment, paidStatus, s.now())
	return cloneOrder(o), recorded, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, orderID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	return nil
}

func (s *MemoryStore) SetCheckoutSession(ctx context.Context, orderID, sessionID, paymentLink string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.SessionID = sessionID
	o.PaymentLink = paymentLink
	return nil
}

func (s *MemoryStore) SaveStripeCustomerID(ctx context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.StripeCustomerID = customerID
	return nil
}

func (s *MemoryStore) RefundPayment(ctx context.Context, orderID, transactionID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if err := applyRefund(o, transactionID); err != nil {
		return nil, err
	}
	return cloneOrder(o), nil
}

// resolveUser swaps an embedded user for the stored copy so saved customer
// IDs are visible. Callers hold the lock.
func (s *MemoryStore) resolveUser(u *User) *User {
	if u == nil {
		return nil
	}
	if stored, ok := s.users[u.ID]; ok {
		return cloneUser(stored)
	}
	return cloneUser(u)
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func cloneBasket(b *Basket) *Basket {
	c := *b
	c.User = cloneUser(b.User)
	c.Items = append([]Item(nil), b.Items...)
	if b.Extra != nil {
		c.Extra = make(map[string]any, len(b.Extra))
		for k, v := range b.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

func cloneOrder(o *Order) *Order {
	c := *o
	c.User = cloneUser(o.User)
	c.Items = append([]Item(nil), o.Items...)
	c.Payments = append([]Payment(nil), o.Payments...)
	return &c
}

var _ Store = (*MemoryStore)(nil)
