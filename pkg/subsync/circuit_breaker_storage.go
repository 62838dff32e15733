package subsync

import (
	"context"
	"errors"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
// Not-found, stale-write and validation errors are expected outcomes and do
// not count as failures.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func isExpectedOutcome(err error) bool {
	return IsNotFound(err) || errors.Is(err, ErrStaleWrite) || errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrUserAlreadyMapped)
}

func (s *CircuitBreakerStorage) do(ctx context.Context, fn func() error) error {
	var outcome error
	err := s.cb.Execute(ctx, func() error {
		e := fn()
		if isExpectedOutcome(e) {
			outcome = e
			return nil
		}
		return e
	})
	if err != nil {
		return err
	}
	return outcome
}

func (s *CircuitBreakerStorage) GetProduct(ctx context.Context, id string) (*Product, error) {
	var product *Product
	err := s.do(ctx, func() error {
		var e error
		product, e = s.storage.GetProduct(ctx, id)
		return e
	})
	return product, err
}

func (s *CircuitBreakerStorage) UpsertProduct(ctx context.Context, product *Product) error {
	return s.do(ctx, func() error {
		return s.storage.UpsertProduct(ctx, product)
	})
}

func (s *CircuitBreakerStorage) DeleteProduct(ctx context.Context, id string) error {
	return s.do(ctx, func() error {
		return s.storage.DeleteProduct(ctx, id)
	})
}

func (s *CircuitBreakerStorage) ListProducts(ctx context.Context) ([]*Product, error) {
	var products []*Product
	err := s.do(ctx, func() error {
		var e error
		products, e = s.storage.ListProducts(ctx)
		return e
	})
	return products, err
}

func (s *CircuitBreakerStorage) GetPrice(ctx context.Context, id string) (*Price, error) {
	var price *Price
	err := s.do(ctx, func() error {
		var e error
		price, e = s.storage.GetPrice(ctx, id)
		return e
	})
	return price, err
}

func (s *CircuitBreakerStorage) UpsertPrice(ctx context.Context, price *Price) error {
	return s.do(ctx, func() error {
		return s.storage.UpsertPrice(ctx, price)
	})
}

func (s *CircuitBreakerStorage) DeletePrice(ctx context.Context, id string) error {
	return s.do(ctx, func() error {
		return s.storage.DeletePrice(ctx, id)
	})
}

func (s *CircuitBreakerStorage) ListPrices(ctx context.Context) ([]*Price, error) {
	var prices []*Price
	err := s.do(ctx, func() error {
		var e error
		prices, e = s.storage.ListPrices(ctx)
		return e
	})
	return prices, err
}

func (s *CircuitBreakerStorage) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var customer *Customer
	err := s.do(ctx, func() error {
		var e error
		customer, e = s.storage.GetCustomer(ctx, id)
		return e
	})
	return customer, err
}

func (s *CircuitBreakerStorage) GetCustomerByUserID(ctx context.Context, userID string) (*Customer, error) {
	var customer *Customer
	err := s.do(ctx, func() error {
		var e error
		customer, e = s.storage.GetCustomerByUserID(ctx, userID)
		return e
	})
	return customer, err
}

func (s *CircuitBreakerStorage) UpsertCustomer(ctx context.Context, customer *Customer) error {
	return s.do(ctx, func() error {
		return s.storage.UpsertCustomer(ctx, customer)
	})
}

func (s *CircuitBreakerStorage) DeleteCustomer(ctx context.Context, id string) error {
	return s.do(ctx, func() error {
		return s.storage.DeleteCustomer(ctx, id)
	})
}

func (s *CircuitBreakerStorage) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub *Subscription
	err := s.do(ctx, func() error {
		var e error
		sub, e = s.storage.GetSubscription(ctx, id)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStorage) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	return s.do(ctx, func() error {
		return s.storage.UpsertSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStorage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.do(ctx, func() error {
		var e error
		subs, e = s.storage.ListSubscriptionsByUser(ctx, userID)
		return e
	})
	return subs, err
}

func (s *CircuitBreakerStorage) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var pi *PaymentIntent
	err := s.do(ctx, func() error {
		var e error
		pi, e = s.storage.GetPaymentIntent(ctx, id)
		return e
	})
	return pi, err
}

func (s *CircuitBreakerStorage) UpsertPaymentIntent(ctx context.Context, pi *PaymentIntent) error {
	return s.do(ctx, func() error {
		return s.storage.UpsertPaymentIntent(ctx, pi)
	})
}
