// Package firestore provides a Firestore implementation of the subsync.Storage interface.
// Guarded upserts and cascading deletes run in Firestore transactions.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	productsCollection      string
	pricesCollection        string
	customersCollection     string
	subscriptionsCollection string
	paymentIntentCollection string
}

var _ subsync.Storage = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// ProductsCollection is the Firestore collection for products
	// Default: "billing_products"
	ProductsCollection string

	// PricesCollection is the Firestore collection for prices
	// Default: "billing_prices"
	PricesCollection string

	// CustomersCollection is the Firestore collection for customers
	// Default: "billing_customers"
	CustomersCollection string

	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// PaymentIntentsCollection is the Firestore collection for payment intents
	// Default: "billing_payment_intents"
	PaymentIntentsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.ProductsCollection == "" {
		config.ProductsCollection = "billing_products"
	}
	if config.PricesCollection == "" {
		config.PricesCollection = "billing_prices"
	}
	if config.CustomersCollection == "" {
		config.CustomersCollection = "billing_customers"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.PaymentIntentsCollection == "" {
		config.PaymentIntentsCollection = "billing_payment_intents"
	}

	return &Storage{
		client:                  client,
		productsCollection:      config.ProductsCollection,
		pricesCollection:        config.PricesCollection,
		customersCollection:     config.CustomersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		paymentIntentCollection: config.PaymentIntentsCollection,
	}, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// get loads the document at ref into v.
func get(ctx context.Context, ref *firestore.DocumentRef, v any, notFound error) error {
	snap, err := ref.Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return notFound
		}
		return fmt.Errorf("failed to get %s: %w", ref.ID, err)
	}
	if !snap.Exists() {
		return notFound
	}
	if err := snap.DataTo(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", ref.ID, err)
	}
	return nil
}

// guardedSet writes record at ref unless the stored copy is newer. When
// parent is set it must exist, otherwise missingParent is returned. checks
// run inside the transaction after the stale check.
func (s *Storage) guardedSet(
	ctx context.Context, ref, parent *firestore.DocumentRef, missingParent error,
	updatedAt time.Time, record any, checks ...func(tx *firestore.Transaction) error,
) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if parent != nil {
			snap, err := tx.Get(parent)
			if isNotFound(err) || (err == nil && !snap.Exists()) {
				return missingParent
			}
			if err != nil {
				return fmt.Errorf("failed to read parent %s: %w", parent.ID, err)
			}
		}

		snap, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to read %s: %w", ref.ID, err)
		}
		if err == nil && snap.Exists() {
			if stored, ok := snap.Data()["UpdatedAt"].(time.Time); ok && subsync.IsStale(stored, updatedAt) {
				return subsync.ErrStaleWrite
			}
		}
		for _, check := range checks {
			if err := check(tx); err != nil {
				return err
			}
		}
		return tx.Set(ref, record)
	})
}

// deleteWithChildren removes ref and every document in children matching
// field == id, in one transaction.
func (s *Storage) deleteWithChildren(
	ctx context.Context, ref *firestore.DocumentRef, children *firestore.CollectionRef, field, id string,
) error {
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var docs []*firestore.DocumentSnapshot
		if children != nil {
			var err error
			docs, err = tx.Documents(children.Where(field, "==", id)).GetAll()
			if err != nil {
				return err
			}
		}
		for _, doc := range docs {
			if err := tx.Delete(doc.Ref); err != nil {
				return err
			}
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

func getAll[T any](ctx context.Context, q firestore.Query) ([]*T, error) {
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := doc.DataTo(&v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// GetProduct implements subsync.Storage
func (s *Storage) GetProduct(ctx context.Context, id string) (*subsync.Product, error) {
	var p subsync.Product
	if err := get(ctx, s.client.Collection(s.productsCollection).Doc(id), &p, subsync.ErrProductNotFound); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProduct implements subsync.Storage
func (s *Storage) UpsertProduct(ctx context.Context, p *subsync.Product) error {
	return s.guardedSet(ctx, s.client.Collection(s.productsCollection).Doc(p.ID), nil, nil, p.UpdatedAt, p)
}

// DeleteProduct implements subsync.Storage. The product's prices go with it.
func (s *Storage) DeleteProduct(ctx context.Context, id string) error {
	return s.deleteWithChildren(ctx, s.client.Collection(s.productsCollection).Doc(id),
		s.client.Collection(s.pricesCollection), "ProductID", id)
}

// ListProducts implements subsync.Storage. Results are ordered by id.
func (s *Storage) ListProducts(ctx context.Context) ([]*subsync.Product, error) {
	products, err := getAll[subsync.Product](ctx, s.client.Collection(s.productsCollection).Query)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// GetPrice implements subsync.Storage
func (s *Storage) GetPrice(ctx context.Context, id string) (*subsync.Price, error) {
	var p subsync.Price
	if err := get(ctx, s.client.Collection(s.pricesCollection).Doc(id), &p, subsync.ErrPriceNotFound); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPrice implements subsync.Storage
func (s *Storage) UpsertPrice(ctx context.Context, p *subsync.Price) error {
	return s.guardedSet(ctx,
		s.client.Collection(s.pricesCollection).Doc(p.ID),
		s.client.Collection(s.productsCollection).Doc(p.ProductID),
		subsync.ErrProductNotFound, p.UpdatedAt, p)
}

// DeletePrice implements subsync.Storage
func (s *Storage) DeletePrice(ctx context.Context, id string) error {
	return s.deleteWithChildren(ctx, s.client.Collection(s.pricesCollection).Doc(id), nil, "", id)
}

// ListPrices implements subsync.Storage. Results are ordered by id.
func (s *Storage) ListPrices(ctx context.Context) ([]*subsync.Price, error) {
	prices, err := getAll[subsync.Price](ctx, s.client.Collection(s.pricesCollection).Query)
	if err != nil {
		return nil, fmt.Errorf("failed to list prices: %w", err)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].ID < prices[j].ID })
	return prices, nil
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(ctx context.Context, id string) (*subsync.Customer, error) {
	var c subsync.Customer
	if err := get(ctx, s.client.Collection(s.customersCollection).Doc(id), &c, subsync.ErrCustomerNotFound); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomerByUserID implements subsync.Storage
func (s *Storage) GetCustomerByUserID(ctx context.Context, userID string) (*subsync.Customer, error) {
	if userID == "" {
		return nil, subsync.ErrCustomerNotFound
	}
	customers, err := getAll[subsync.Customer](ctx,
		s.client.Collection(s.customersCollection).Where("UserID", "==", userID))
	if err != nil {
		return nil, fmt.Errorf("failed to query customer by user: %w", err)
	}
	var best *subsync.Customer
	for _, c := range customers {
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, subsync.ErrCustomerNotFound
	}
	return best, nil
}

// UpsertCustomer implements subsync.Storage
func (s *Storage) UpsertCustomer(ctx context.Context, c *subsync.Customer) error {
	customers := s.client.Collection(s.customersCollection)
	if c.UserID == "" {
		return s.guardedSet(ctx, customers.Doc(c.ID), nil, nil, c.UpdatedAt, c)
	}
	return s.guardedSet(ctx, customers.Doc(c.ID), nil, nil, c.UpdatedAt, c,
		func(tx *firestore.Transaction) error {
			docs, err := tx.Documents(customers.Where("UserID", "==", c.UserID)).GetAll()
			if err != nil {
				return fmt.Errorf("failed to query customer by user: %w", err)
			}
			for _, doc := range docs {
				if doc.Ref.ID != c.ID {
					return subsync.ErrUserAlreadyMapped
				}
			}
			return nil
		})
}

// DeleteCustomer implements subsync.Storage. The customer's subscriptions go with it.
func (s *Storage) DeleteCustomer(ctx context.Context, id string) error {
	return s.deleteWithChildren(ctx, s.client.Collection(s.customersCollection).Doc(id),
		s.client.Collection(s.subscriptionsCollection), "CustomerID", id)
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	ref := s.client.Collection(s.subscriptionsCollection).Doc(id)
	if err := get(ctx, ref, &sub, subsync.ErrSubscriptionNotFound); err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	return s.guardedSet(ctx,
		s.client.Collection(s.subscriptionsCollection).Doc(sub.ID),
		s.client.Collection(s.customersCollection).Doc(sub.CustomerID),
		subsync.ErrCustomerNotFound, sub.UpdatedAt, sub)
}

// ListSubscriptionsByUser implements subsync.Storage. Results are ordered by id.
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*subsync.Subscription, error) {
	if userID == "" {
		return nil, nil
	}
	subs, err := getAll[subsync.Subscription](ctx,
		s.client.Collection(s.subscriptionsCollection).Where("UserID", "==", userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

// GetPaymentIntent implements subsync.Storage
func (s *Storage) GetPaymentIntent(ctx context.Context, id string) (*subsync.PaymentIntent, error) {
	var pi subsync.PaymentIntent
	ref := s.client.Collection(s.paymentIntentCollection).Doc(id)
	if err := get(ctx, ref, &pi, subsync.ErrPaymentIntentNotFound); err != nil {
		return nil, err
	}
	return &pi, nil
}

// UpsertPaymentIntent implements subsync.Storage
func (s *Storage) UpsertPaymentIntent(ctx context.Context, pi *subsync.PaymentIntent) error {
	return s.guardedSet(ctx, s.client.Collection(s.paymentIntentCollection).Doc(pi.ID), nil, nil, pi.UpdatedAt, pi)
}
