package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on MongoDB. Users, baskets and orders live in
// separate collections keyed by their string IDs; money is stored as decimal
// strings.
type MongoStore struct {
	users   *mongo.Collection
	baskets *mongo.Collection
	orders  *mongo.Collection
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		users:   db.Collection("users"),
		baskets: db.Collection("baskets"),
		orders:  db.Collection("orders"),
	}
}

// EnsureIndexes creates the session lookup index on orders.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.orders.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sessionID", Value: 1}},
		Options: options.Index().SetSparse(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create orders index: %w", err)
	}
	return nil
}

func (s *MongoStore) GetBasket(ctx context.Context, basketID string) (*Basket, error) {
	var doc bson.M
	err := s.baskets.FindOne(ctx, bson.M{"_id": basketID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrBasketNotFound
		}
		return nil, fmt.Errorf("failed to get basket: %w", err)
	}

	basket := &Basket{
		ID:       getString(doc, "_id"),
		Email:    getString(doc, "email"),
		Currency: getString(doc, "currency"),
		Items:    itemsFromDoc(doc),
	}
	if extra, ok := doc["extra"].(bson.M); ok {
		basket.Extra = map[string]any(extra)
	}

	basket.User, err = s.getUser(ctx, getString(doc, "userID"))
	if err != nil {
		return nil, err
	}
	return basket, nil
}

func (s *MongoStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.findOrder(ctx, bson.M{"_id": orderID})
}

func (s *MongoStore) GetOrderBySession(ctx context.Context, sessionID string) (*Order, error) {
	if sessionID == "" {
		return nil, ErrOrderNotFound
	}
	return s.findOrder(ctx, bson.M{"sessionID": sessionID})
}

func (s *MongoStore) findOrder(ctx context.Context, filter bson.M) (*Order, error) {
	var doc bson.M
	err := s.orders.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order := &Order{
		ID:          getString(doc, "_id"),
		Ref:         getString(doc, "ref"),
		Email:       getString(doc, "email"),
		Status:      Status(getString(doc, "status")),
		Currency:    getString(doc, "currency"),
		Total:       getDecimal(doc, "total"),
		SessionID:   getString(doc, "sessionID"),
		PaymentLink: getString(doc, "paymentLink"),
		Items:       itemsFromDoc(doc),
		CreatedAt:   getTime(doc, "createdAt"),
	}

	if paymentsRaw, ok := doc["payments"].(bson.A); ok {
		for _, raw := range paymentsRaw {
			if p, ok := raw.(bson.M); ok {
				order.Payments = append(order.Payments, Payment{
					ID:            getString(p, "id"),
					Amount:        getDecimal(p, "amount"),
					TransactionID: getString(p, "transactionID"),
					PaymentMethod: getString(p, "paymentMethod"),
					Refunded:      getBool(p, "refunded"),
					CreatedAt:     getTime(p, "createdAt"),
				})
			}
		}
	}

	order.User, err = s.getUser(ctx, getString(doc, "userID"))
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *MongoStore) getUser(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, nil
	}

	var doc bson.M
	err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &User{
		ID:               getString(doc, "_id"),
		Username:         getString(doc, "username"),
		Email:            getString(doc, "email"),
		FirstName:        getString(doc, "firstName"),
		LastName:         getString(doc, "lastName"),
		StripeCustomerID: getString(doc, "stripeCustomerID"),
	}, nil
}

func (s *MongoStore) CreateOrderFromBasket(ctx context.Context, basket *Basket, status Status, sessionID string) (*Order, error) {
	order := NewOrderFromBasket(basket, status, sessionID, time.Now().UTC())
	doc := bson.M{
		"_id":       order.ID,
		"ref":       order.Ref,
		"email":     order.Email,
		"status":    string(order.Status),
		"currency":  order.Currency,
		"total":     order.Total.String(),
		"sessionID": order.SessionID,
		"items":     itemsToDoc(order.Items),
		"payments":  bson.A{},
		"createdAt": order.CreatedAt,
	}
	if order.User != nil {
		doc["userID"] = order.User.ID
	}

	// Warum erst insert, dann delete?
	// → Schlägt das Insert fehl, bleibt der Basket für Stripes Retry stehen
	// → Verliert ein paralleler Webhook das Delete, räumt er seine Order wieder weg
	if _, err := s.orders.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	result, err := s.baskets.DeleteOne(ctx, bson.M{"_id": basket.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to delete basket: %w", err)
	}
	if result.DeletedCount == 0 {
		if _, err := s.orders.DeleteOne(ctx, bson.M{"_id": order.ID}); err != nil {
			return nil, fmt.Errorf("failed to remove duplicate order: %w", err)
		}
		return nil, ErrBasketNotFound
	}
	return order, nil
}

func (s *MongoStore) Pay(ctx context.Context, orderID string, payment Payment, paidStatus Status) (*Order, bool, error) {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	// The $ne guard keeps a concurrent delivery of the same transaction from
	// pushing a second copy.
	filter := bson.M{"_id": orderID, "payments.transactionID": bson.M{"$ne": payment.TransactionID}}
	update := bson.M{"$push": bson.M{"payments": bson.M{
		"id":            payment.ID,
		"amount":        payment.Amount.String(),
		"transactionID": payment.TransactionID,
		"paymentMethod": payment.PaymentMethod,
		"refunded":      false,
		"createdAt":     payment.CreatedAt,
	}}}

	result, err := s.orders.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record payment: %w", err)
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if result.ModifiedCount == 0 {
		return order, false, nil
	}

	// Status comes from the document after the push, not the snapshot
	// another payment may have raced.
	if order.IsPaid() && order.Status != paidStatus {
		if err := s.setOrder(ctx, orderID, bson.M{"status": string(paidStatus)}); err != nil {
			return nil, false, err
		}
		order.Status = paidStatus
	}
	return order, true, nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, orderID string, status Status) error {
	return s.setOrder(ctx, orderID, bson.M{"status": string(status)})
}

func (s *MongoStore) SetCheckoutSession(ctx context.Context, orderID, sessionID, paymentLink string) error {
	return s.setOrder(ctx, orderID, bson.M{"sessionID": sessionID, "paymentLink": paymentLink})
}

func (s *MongoStore) setOrder(ctx context.Context, orderID string, fields bson.M) error {
	result, err := s.orders.UpdateOne(ctx, bson.M{"_id": orderID}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *MongoStore) SaveStripeCustomerID(ctx context.Context, userID, customerID string) error {
	result, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"stripeCustomerID": customerID}})
	if err != nil {
		return fmt.Errorf("failed to save stripe customer id: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *MongoStore) RefundPayment(ctx context.Context, orderID, transactionID string) (*Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := applyRefund(order, transactionID); err != nil {
		return nil, err
	}

	filter := bson.M{"_id": orderID, "payments.transactionID": transactionID}
	update := bson.M{"$set": bson.M{
		"payments.$.refunded": true,
		"status":              string(StatusRefunded),
	}}
	result, err := s.orders.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, fmt.Errorf("failed to refund payment: %w", err)
	}
	if result.MatchedCount == 0 {
		return nil, ErrPaymentNotFound
	}
	return order, nil
}

func itemsToDoc(items []Item) bson.A {
	out := make(bson.A, 0, len(items))
	for _, item := range items {
		out = append(out, bson.M{
			"name":     item.Name,
			"quantity": item.Quantity,
			"total":    item.Total.String(),
		})
	}
	return out
}

func itemsFromDoc(doc bson.M) []Item {
	itemsRaw, ok := doc["items"].(bson.A)
	if !ok {
		return nil
	}
	items := make([]Item, 0, len(itemsRaw))
	for _, raw := range itemsRaw {
		if itemDoc, ok := raw.(bson.M); ok {
			items = append(items, Item{
				Name:     getString(itemDoc, "name"),
				Quantity: getInt(itemDoc, "quantity"),
				Total:    getDecimal(itemDoc, "total"),
			})
		}
	}
	return items
}

// Helper functions for safe type conversion
func getString(m bson.M, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

func getInt(m bson.M, key string) int {
	switch val := m[key].(type) {
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}

func getBool(m bson.M, key string) bool {
	val, _ := m[key].(bool)
	return val
}

func getDecimal(m bson.M, key string) decimal.Decimal {
	switch val := m[key].(type) {
	case string:
		d, err := decimal.NewFromString(val)
		if err == nil {
			return d
		}
	case primitive.Decimal128:
		d, err := decimal.NewFromString(val.String())
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(val)
	}
	return decimal.Zero
}

func getTime(m bson.M, key string) time.Time {
	if val, ok := m[key].(primitive.DateTime); ok {
		return val.Time().UTC()
	}
	return time.Time{}
}

var _ Store = (*MongoStore)(nil)
