// Package postgres provides a PostgreSQL implementation of the subsync.Storage interface.
// Upserts are single INSERT ... ON CONFLICT statements whose update is
// guarded by updated_at, so the stale-write check is atomic with the write.
// Cascading deletes are enforced by foreign keys.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

// Storage implements subsync.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var _ subsync.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is a postgres:// URL or a key=value DSN
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations in New
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if err := Migrate(config.ConnectionString); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// guarded runs a conditional upsert. Zero affected rows means the stored row
// is newer; a foreign key violation means the parent record is missing.
func (s *Storage) guarded(ctx context.Context, missingParent error, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if missingParent != nil && errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return missingParent
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrStaleWrite
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return b, nil
}

// GetProduct implements subsync.Storage
func (s *Storage) GetProduct(ctx context.Context, id string) (*subsync.Product, error) {
	var (
		p        subsync.Product
		metadata []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, active, image, metadata, updated_at
			FROM products WHERE id = $1`, id).Scan(
		&p.ID, &p.Name, &p.Description, &p.Active, &p.Image, &metadata, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	if err := unmarshalColumn(metadata, &p.Metadata); err != nil {
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// UpsertProduct implements subsync.Storage
func (s *Storage) UpsertProduct(ctx context.Context, p *subsync.Product) error {
	metadata, err := marshalJSON(p.Metadata)
	if err != nil {
		return err
	}
	err = s.guarded(ctx, nil,
		`INSERT INTO products (id, name, description, active, image, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				active = EXCLUDED.active,
				image = EXCLUDED.image,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
			WHERE products.updated_at <= EXCLUDED.updated_at`,
		p.ID, p.Name, p.Description, p.Active, p.Image, metadata, p.UpdatedAt.UTC(),
	)
	if err != nil && !errors.Is(err, subsync.ErrStaleWrite) {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return err
}

// DeleteProduct implements subsync.Storage. Prices cascade through the foreign key.
func (s *Storage) DeleteProduct(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	return nil
}

// ListProducts implements subsync.Storage
func (s *Storage) ListProducts(ctx context.Context) ([]*subsync.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, active, image, metadata, updated_at
			FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []*subsync.Product
	for rows.Next() {
		var (
			p        subsync.Product
			metadata []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Active, &p.Image, &metadata, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		if err := unmarshalColumn(metadata, &p.Metadata); err != nil {
			return nil, err
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}

const priceColumns = `id, product_id, active, currency, unit_amount, type, billing_interval,
	interval_count, trial_period_days, metadata, updated_at`

func scanPrice(row pgx.Row) (*subsync.Price, error) {
	var (
		p        subsync.Price
		metadata []byte
	)
	err := row.Scan(&p.ID, &p.ProductID, &p.Active, &p.Currency, &p.UnitAmount, &p.Type, &p.Interval,
		&p.IntervalCount, &p.TrialPeriodDays, &metadata, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalColumn(metadata, &p.Metadata); err != nil {
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// GetPrice implements subsync.Storage
func (s *Storage) GetPrice(ctx context.Context, id string) (*subsync.Price, error) {
	p, err := scanPrice(s.pool.QueryRow(ctx, `SELECT `+priceColumns+` FROM prices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrPriceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	return p, nil
}

// UpsertPrice implements subsync.Storage
func (s *Storage) UpsertPrice(ctx context.Context, p *subsync.Price) error {
	metadata, err := marshalJSON(p.Metadata)
	if err != nil {
		return err
	}
	err = s.guarded(ctx, subsync.ErrProductNotFound,
		`INSERT INTO prices (`+priceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				product_id = EXCLUDED.product_id,
				active = EXCLUDED.active,
				currency = EXCLUDED.currency,
				unit_amount = EXCLUDED.unit_amount,
				type = EXCLUDED.type,
				billing_interval = EXCLUDED.billing_interval,
				interval_count = EXCLUDED.interval_count,
				trial_period_days = EXCLUDED.trial_period_days,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
			WHERE prices.updated_at <= EXCLUDED.updated_at`,
		p.ID, p.ProductID, p.Active, p.Currency, p.UnitAmount, string(p.Type), string(p.Interval),
		p.IntervalCount, p.TrialPeriodDays, metadata, p.UpdatedAt.UTC(),
	)
	if err != nil && !errors.Is(err, subsync.ErrStaleWrite) && !errors.Is(err, subsync.ErrProductNotFound) {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return err
}

// DeletePrice implements subsync.Storage
func (s *Storage) DeletePrice(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM prices WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete price: %w", err)
	}
	return nil
}

// ListPrices implements subsync.Storage
func (s *Storage) ListPrices(ctx context.Context) ([]*subsync.Price, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+priceColumns+` FROM prices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prices: %w", err)
	}
	defer rows.Close()

	var out []*subsync.Price
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const customerColumns = `id, user_id, email, name, billing_details, updated_at`

func scanCustomer(row pgx.Row) (*subsync.Customer, error) {
	var (
		c       subsync.Customer
		userID  *string
		details []byte
	)
	if err := row.Scan(&c.ID, &userID, &c.Email, &c.Name, &details, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.UserID = deref(userID)
	if err := unmarshalColumn(details, &c.BillingDetails); err != nil {
		return nil, err
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(ctx context.Context, id string) (*subsync.Customer, error) {
	c, err := scanCustomer(s.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

// GetCustomerByUserID implements subsync.Storage
func (s *Storage) GetCustomerByUserID(ctx context.Context, userID string) (*subsync.Customer, error) {
	if userID == "" {
		return nil, subsync.ErrCustomerNotFound
	}
	c, err := scanCustomer(s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE user_id = $1
			ORDER BY updated_at DESC LIMIT 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer by user: %w", err)
	}
	return c, nil
}

// UpsertCustomer implements subsync.Storage. The partial unique index on
// user_id rejects a second customer for the same user.
func (s *Storage) UpsertCustomer(ctx context.Context, c *subsync.Customer) error {
	var details []byte
	if c.BillingDetails != nil {
		var err error
		if details, err = marshalJSON(c.BillingDetails); err != nil {
			return err
		}
	}
	err := s.guarded(ctx, nil,
		`INSERT INTO customers (`+customerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				email = EXCLUDED.email,
				name = EXCLUDED.name,
				billing_details = EXCLUDED.billing_details,
				updated_at = EXCLUDED.updated_at
			WHERE customers.updated_at <= EXCLUDED.updated_at`,
		c.ID, nullable(c.UserID), c.Email, c.Name, details, c.UpdatedAt.UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return subsync.ErrUserAlreadyMapped
	}
	if err != nil && !errors.Is(err, subsync.ErrStaleWrite) {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return err
}

// DeleteCustomer implements subsync.Storage. Subscriptions cascade through the foreign key.
func (s *Storage) DeleteCustomer(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM customers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, customer_id, user_id, status, items, cancel_at_period_end,
	current_period_start, current_period_end, created, cancel_at, canceled_at, ended_at,
	trial_start, trial_end, metadata, updated_at`

func scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var (
		sub                    subsync.Subscription
		userID                 *string
		items, metadata        []byte
		periodStart, periodEnd *time.Time
		created                *time.Time
	)
	err := row.Scan(&sub.ID, &sub.CustomerID, &userID, &sub.Status, &items, &sub.CancelAtPeriodEnd,
		&periodStart, &periodEnd, &created, &sub.CancelAt, &sub.CanceledAt, &sub.EndedAt,
		&sub.TrialStart, &sub.TrialEnd, &metadata, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.UserID = deref(userID)
	if err := unmarshalColumn(items, &sub.Items); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(metadata, &sub.Metadata); err != nil {
		return nil, err
	}
	if periodStart != nil {
		sub.CurrentPeriodStart = periodStart.UTC()
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd.UTC()
	}
	if created != nil {
		sub.Created = created.UTC()
	}
	sub.CancelAt = utcPtr(sub.CancelAt)
	sub.CanceledAt = utcPtr(sub.CanceledAt)
	sub.EndedAt = utcPtr(sub.EndedAt)
	sub.TrialStart = utcPtr(sub.TrialStart)
	sub.TrialEnd = utcPtr(sub.TrialEnd)
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func zeroAsNull(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	items := sub.Items
	if items == nil {
		items = []subsync.SubscriptionItem{}
	}
	itemsJSON, err := marshalJSON(items)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(sub.Metadata)
	if err != nil {
		return err
	}

	err = s.guarded(ctx, subsync.ErrCustomerNotFound,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				user_id = EXCLUDED.user_id,
				status = EXCLUDED.status,
				items = EXCLUDED.items,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				created = EXCLUDED.created,
				cancel_at = EXCLUDED.cancel_at,
				canceled_at = EXCLUDED.canceled_at,
				ended_at = EXCLUDED.ended_at,
				trial_start = EXCLUDED.trial_start,
				trial_end = EXCLUDED.trial_end,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
			WHERE subscriptions.updated_at <= EXCLUDED.updated_at`,
		sub.ID, sub.CustomerID, nullable(sub.UserID), string(sub.Status), itemsJSON, sub.CancelAtPeriodEnd,
		zeroAsNull(sub.CurrentPeriodStart), zeroAsNull(sub.CurrentPeriodEnd), zeroAsNull(sub.Created),
		sub.CancelAt, sub.CanceledAt, sub.EndedAt, sub.TrialStart, sub.TrialEnd,
		metadata, sub.UpdatedAt.UTC(),
	)
	if err != nil && !errors.Is(err, subsync.ErrStaleWrite) && !errors.Is(err, subsync.ErrCustomerNotFound) {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return err
}

// ListSubscriptionsByUser implements subsync.Storage
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*subsync.Subscription, error) {
	if userID == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subsync.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetPaymentIntent implements subsync.Storage
func (s *Storage) GetPaymentIntent(ctx context.Context, id string) (*subsync.PaymentIntent, error) {
	var pi subsync.PaymentIntent
	err := s.pool.QueryRow(ctx,
		`SELECT id, customer_id, status, amount, currency, updated_at
			FROM payment_intents WHERE id = $1`, id).Scan(
		&pi.ID, &pi.CustomerID, &pi.Status, &pi.Amount, &pi.Currency, &pi.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrPaymentIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	pi.UpdatedAt = pi.UpdatedAt.UTC()
	return &pi, nil
}

// UpsertPaymentIntent implements subsync.Storage
func (s *Storage) UpsertPaymentIntent(ctx context.Context, pi *subsync.PaymentIntent) error {
	err := s.guarded(ctx, nil,
		`INSERT INTO payment_intents (id, customer_id, status, amount, currency, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				status = EXCLUDED.status,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				updated_at = EXCLUDED.updated_at
			WHERE payment_intents.updated_at <= EXCLUDED.updated_at`,
		pi.ID, pi.CustomerID, string(pi.Status), pi.Amount, pi.Currency, pi.UpdatedAt.UTC(),
	)
	if err != nil && !errors.Is(err, subsync.ErrStaleWrite) {
		return fmt.Errorf("failed to upsert payment intent: %w", err)
	}
	return err
}

func unmarshalColumn(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
