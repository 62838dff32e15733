// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast
// cache (Hot) in front of durable storage (Cold).
//
// Cold is the source of truth: every write and the stale-write guard go to
// Cold first, and a write rejected by Cold never reaches Hot. Point reads are
// read-through (Hot, then Cold, populating Hot). Listings and secondary-key
// lookups are served by Cold, since Hot only holds what was read or written
// through it.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory)
	Hot subsync.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) and the source of truth
	Cold subsync.Storage

	// AsyncHotSync applies Hot writes on a background worker after Cold
	// succeeds. Jobs run in order, so Hot converges to Cold's order of writes.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// HotErrorHandler is called when a Hot write fails. Cold already holds
	// the write; the failure only means Hot may serve an older copy until the
	// next write.
	HotErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered subsync.Storage.
type Storage struct {
	hot  subsync.Storage
	cold subsync.Storage
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

var _ subsync.Storage = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending Hot writes and stops the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err == nil || errors.Is(err, subsync.ErrStaleWrite) {
		return
	}
	if s.conf.HotErrorHandler != nil {
		s.conf.HotErrorHandler(fmt.Errorf("tiered hot sync failed: %w", err))
	}
}

// toHot applies job to Hot, inline or on the worker.
func (s *Storage) toHot(job func() error) {
	if !s.conf.AsyncHotSync {
		s.report(job())
		return
	}
	select {
	case s.syncQueue <- job:
	default:
		// Queue full; run inline to keep ordering
		s.report(job())
	}
}

// populate copies a record read from Cold into Hot. Hot rejecting it as
// stale is harmless.
func (s *Storage) populate(write func() error) {
	s.report(write())
}

// GetProduct implements subsync.Storage (read-through)
func (s *Storage) GetProduct(ctx context.Context, id string) (*subsync.Product, error) {
	if p, err := s.hot.GetProduct(ctx, id); err == nil {
		return p, nil
	}
	p, err := s.cold.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	s.populate(func() error { return s.hot.UpsertProduct(ctx, p) })
	return p, nil
}

// UpsertProduct implements subsync.Storage (write-through)
func (s *Storage) UpsertProduct(ctx context.Context, p *subsync.Product) error {
	if err := s.cold.UpsertProduct(ctx, p); err != nil {
		return err
	}
	s.toHot(func() error { return s.hot.UpsertProduct(context.WithoutCancel(ctx), p) })
	return nil
}

// DeleteProduct implements subsync.Storage
func (s *Storage) DeleteProduct(ctx context.Context, id string) error {
	if err := s.cold.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.toHot(func() error { return s.hot.DeleteProduct(context.WithoutCancel(ctx), id) })
	return nil
}

// ListProducts implements subsync.Storage (Cold only)
func (s *Storage) ListProducts(ctx context.Context) ([]*subsync.Product, error) {
	return s.cold.ListProducts(ctx)
}

// GetPrice implements subsync.Storage (read-through)
func (s *Storage) GetPrice(ctx context.Context, id string) (*subsync.Price, error) {
	if p, err := s.hot.GetPrice(ctx, id); err == nil {
		return p, nil
	}
	p, err := s.cold.GetPrice(ctx, id)
	if err != nil {
		return nil, err
	}
	s.populate(func() error { return s.hotPrice(ctx, p) })
	return p, nil
}

// hotPrice writes p to Hot, first copying its product from Cold when Hot lacks it.
func (s *Storage) hotPrice(ctx context.Context, p *subsync.Price) error {
	err := s.hot.UpsertPrice(ctx, p)
	if !errors.Is(err, subsync.ErrProductNotFound) {
		return err
	}
	product, err := s.cold.GetProduct(ctx, p.ProductID)
	if err != nil {
		return err
	}
	if err := s.hot.UpsertProduct(ctx, product); err != nil && !errors.Is(err, subsync.ErrStaleWrite) {
		return err
	}
	return s.hot.UpsertPrice(ctx, p)
}

// UpsertPrice implements subsync.Storage (write-through)
func (s *Storage) UpsertPrice(ctx context.Context, p *subsync.Price) error {
	if err := s.cold.UpsertPrice(ctx, p); err != nil {
		return err
	}
	s.toHot(func() error { return s.hotPrice(context.WithoutCancel(ctx), p) })
	return nil
}

// DeletePrice implements subsync.Storage
func (s *Storage) DeletePrice(ctx context.Context, id string) error {
	if err := s.cold.DeletePrice(ctx, id); err != nil {
		return err
	}
	s.toHot(func() error { return s.hot.DeletePrice(context.WithoutCancel(ctx), id) })
	return nil
}

// ListPrices implements subsync.Storage (Cold only)
func (s *Storage) ListPrices(ctx context.Context) ([]*subsync.Price, error) {
	return s.cold.ListPrices(ctx)
}

// GetCustomer implements subsync.Storage (read-through)
func (s *Storage) GetCustomer(ctx context.Context, id string) (*subsync.Customer, error) {
	if c, err := s.hot.GetCustomer(ctx, id); err == nil {
		return c, nil
	}
	c, err := s.cold.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.populate(func() error { return s.hot.UpsertCustomer(ctx, c) })
	return c, nil
}

// GetCustomerByUserID implements subsync.Storage (Cold only)
func (s *Storage) GetCustomerByUserID(ctx context.Context, userID string) (*subsync.Customer, error) {
	return s.cold.GetCustomerByUserID(ctx, userID)
}

// UpsertCustomer implements subsync.Storage (write-through)
func (s *Storage) UpsertCustomer(ctx context.Context, c *subsync.Customer) error {
	if err := s.cold.UpsertCustomer(ctx, c); err != nil {
		return err
	}
	s.toHot(func() error { return s.hot.UpsertCustomer(context.WithoutCancel(ctx), c) })
	return nil
}

// DeleteCustomer implements subsync.Storage
func (s *Storage) DeleteCustomer(ctx context.Context, id string) error {
	if err := s.cold.DeleteCustomer(ctx, id); err != nil {
		return err
	}
	s.toHot(func() error { return s.hot.DeleteCustomer(context.WithoutCancel(ctx), id) })
	return nil
}

// GetSubscription implements subsync.Storage (read-through)
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	if sub, err := s.hot.GetSubscription(ctx, id); err == nil {
		return sub, nil
	}
	sub, err := s.cold.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	s.populate(func() error { return s.hotSubscription(ctx, sub) })
	return sub, nil
}

// hotSubscription writes sub to Hot, first copying its customer from Cold when Hot lacks it.
func (s *Storage) hotSubscription(ctx context.Context, sub *subsync.Subscription) error {
	err := s.hot.UpsertSubscription(ctx, sub)
	if !errors.Is(err, subsync.ErrCustomerNotFound) {
		return err
	}
	customer, err := s.cold.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return err
	}
	if err := s.hot.UpsertCustomer(ctx, customer); err != nil && !errors.Is(err, subsync.ErrStaleWrite) {
		return err
	}
	return s.hot.UpsertSubscription(ctx, sub)
}

// UpsertSubscription implements subsync.Storage (write-through)
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if err := s.cold.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	s.toHot(func() error { return s.hotSubscription(context.WithoutCancel(ctx), sub) })
	return nil
}

// ListSubscriptionsByUser implements subsync.Storage (Cold only)
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*subsync.Subscription, error) {
	return s.cold.ListSubscriptionsByUser(ctx, userID)
}

// GetPaymentIntent implements subsync.Storage (read-through)
func (s *Storage) GetPaymentIntent(ctx context.Context, id string) (*subsync.PaymentIntent, error) {
	if pi, err := s.hot.GetPaymentIntent(ctx, id); err == nil {
		return pi, nil
	}
	pi, err := s.cold.GetPaymentIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.populate(func() error { return s.hot.UpsertPaymentIntent(ctx, pi) })
	return pi, nil
}

// UpsertPaymentIntent implements subsync.Storage (write-through)
func (s *Storage) UpsertPaymentIntent(ctx context.Context, pi *subsync.PaymentIntent) error {
	if err := s.cold.UpsertPaymentIntent(ctx, pi); err != nil {
		return err
	}
	s.toHot(func() error { return s.hot.UpsertPaymentIntent(context.WithoutCancel(ctx), pi) })
	return nil
}
