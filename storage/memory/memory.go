// Package memory provides an in-memory implementation of the subsync.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using in-memory maps
type Storage struct {
	mu             sync.RWMutex
	products       map[string]*subsync.Product
	prices         map[string]*subsync.Price
	customers      map[string]*subsync.Customer
	subscriptions  map[string]*subsync.Subscription
	paymentIntents map[string]*subsync.PaymentIntent
}

var _ subsync.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		products:       make(map[string]*subsync.Product),
		prices:         make(map[string]*subsync.Price),
		customers:      make(map[string]*subsync.Customer),
		subscriptions:  make(map[string]*subsync.Subscription),
		paymentIntents: make(map[string]*subsync.PaymentIntent),
	}
}

// GetProduct implements subsync.Storage
func (s *Storage) GetProduct(_ context.Context, id string) (*subsync.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, subsync.ErrProductNotFound
	}
	return copyProduct(p), nil
}

// UpsertProduct implements subsync.Storage
func (s *Storage) UpsertProduct(_ context.Context, product *subsync.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.products[product.ID]; ok && subsync.IsStale(stored.UpdatedAt, product.UpdatedAt) {
		return subsync.ErrStaleWrite
	}
	s.products[product.ID] = copyProduct(product)
	return nil
}

// DeleteProduct implements subsync.Storage. The product's prices go with it.
func (s *Storage) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.products, id)
	for priceID, price := range s.prices {
		if price.ProductID == id {
			delete(s.prices, priceID)
		}
	}
	return nil
}

// ListProducts implements subsync.Storage. Results are ordered by id.
func (s *Storage) ListProducts(_ context.Context) ([]*subsync.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subsync.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, copyProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPrice implements subsync.Storage
func (s *Storage) GetPrice(_ context.Context, id string) (*subsync.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[id]
	if !ok {
		return nil, subsync.ErrPriceNotFound
	}
	return copyPrice(p), nil
}

// UpsertPrice implements subsync.Storage
func (s *Storage) UpsertPrice(_ context.Context, price *subsync.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[price.ProductID]; !ok {
		return subsync.ErrProductNotFound
	}
	if stored, ok := s.prices[price.ID]; ok && subsync.IsStale(stored.UpdatedAt, price.UpdatedAt) {
		return subsync.ErrStaleWrite
	}
	s.prices[price.ID] = copyPrice(price)
	return nil
}

// DeletePrice implements subsync.Storage
func (s *Storage) DeletePrice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.prices, id)
	return nil
}

// ListPrices implements subsync.Storage. Results are ordered by id.
func (s *Storage) ListPrices(_ context.Context) ([]*subsync.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subsync.Price, 0, len(s.prices))
	for _, p := range s.prices {
		out = append(out, copyPrice(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(_ context.Context, id string) (*subsync.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, subsync.ErrCustomerNotFound
	}
	return copyCustomer(c), nil
}

// GetCustomerByUserID implements subsync.Storage
func (s *Storage) GetCustomerByUserID(_ context.Context, userID string) (*subsync.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if userID == "" {
		return nil, subsync.ErrCustomerNotFound
	}
	for _, c := range s.customers {
		if c.UserID == userID {
			return copyCustomer(c), nil
		}
	}
	return nil, subsync.ErrCustomerNotFound
}

// UpsertCustomer implements subsync.Storage
func (s *Storage) UpsertCustomer(_ context.Context, customer *subsync.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.customers[customer.ID]; ok && subsync.IsStale(stored.UpdatedAt, customer.UpdatedAt) {
		return subsync.ErrStaleWrite
	}
	if customer.UserID != "" {
		for id, c := range s.customers {
			if id != customer.ID && c.UserID == customer.UserID {
				return subsync.ErrUserAlreadyMapped
			}
		}
	}
	s.customers[customer.ID] = copyCustomer(customer)
	return nil
}

// DeleteCustomer implements subsync.Storage. The customer's subscriptions go with it.
func (s *Storage) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.customers, id)
	for subID, sub := range s.subscriptions {
		if sub.CustomerID == id {
			delete(s.subscriptions, subID)
		}
	}
	return nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(_ context.Context, id string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(_ context.Context, sub *subsync.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[sub.CustomerID]; !ok {
		return subsync.ErrCustomerNotFound
	}
	if stored, ok := s.subscriptions[sub.ID]; ok && subsync.IsStale(stored.UpdatedAt, sub.UpdatedAt) {
		return subsync.ErrStaleWrite
	}
	s.subscriptions[sub.ID] = copySubscription(sub)
	return nil
}

// ListSubscriptionsByUser implements subsync.Storage. Results are ordered by id.
func (s *Storage) ListSubscriptionsByUser(_ context.Context, userID string) ([]*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subsync.Subscription
	for _, sub := range s.subscriptions {
		if userID != "" && sub.UserID == userID {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPaymentIntent implements subsync.Storage
func (s *Storage) GetPaymentIntent(_ context.Context, id string) (*subsync.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pi, ok := s.paymentIntents[id]
	if !ok {
		return nil, subsync.ErrPaymentIntentNotFound
	}
	piCopy := *pi
	return &piCopy, nil
}

// UpsertPaymentIntent implements subsync.Storage
func (s *Storage) UpsertPaymentIntent(_ context.Context, pi *subsync.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.paymentIntents[pi.ID]; ok && subsync.IsStale(stored.UpdatedAt, pi.UpdatedAt) {
		return subsync.ErrStaleWrite
	}
	piCopy := *pi
	s.paymentIntents[pi.ID] = &piCopy
	return nil
}
