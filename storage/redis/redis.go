// Package redis provides a Redis implementation of the subsync.Storage interface.
// Each record is a hash holding its JSON encoding and its updated_at stamp.
// Guarded upserts and cascading deletes run as Lua scripts so the check and
// the write are atomic. Listings are served from set indexes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	resultOK            = "ok"
	resultStale         = "stale"
	resultMissingParent = "missing_parent"
	resultTaken         = "taken"
)

// Storage implements subsync.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var _ subsync.Storage = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client or a single-shard *redis.Ring; the scripts
// derive child keys at run time, so cluster clients are not supported.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// KEYS[1] record, KEYS[2] parent (KEYS[1] when there is none), KEYS[3..] index sets.
	// ARGV: id, data, updated_at (unix micros), children set key or "",
	// unique set key or "" (a set that may hold no id but this one).
	s.scripts["upsert"] = redis.NewScript(`
		local key = KEYS[1]
		local parent = KEYS[2]
		local id = ARGV[1]
		local updated = tonumber(ARGV[3])

		if parent ~= key and redis.call('EXISTS', parent) == 0 then
			return 'missing_parent'
		end

		local stored = redis.call('HGET', key, 'updated_at')
		if stored and tonumber(stored) > updated then
			return 'stale'
		end

		if ARGV[5] ~= '' then
			for _, member in ipairs(redis.call('SMEMBERS', ARGV[5])) do
				if member ~= id then
					return 'taken'
				end
			end
		end

		local old = redis.call('HGET', key, 'indexes')
		if old then
			for set in string.gmatch(old, '%S+') do
				redis.call('SREM', set, id)
			end
		end

		local indexes = {}
		for i = 3, #KEYS do
			redis.call('SADD', KEYS[i], id)
			indexes[#indexes + 1] = KEYS[i]
		end

		redis.call('HSET', key, 'data', ARGV[2], 'updated_at', ARGV[3], 'indexes', table.concat(indexes, ' '))
		if ARGV[4] ~= '' then
			redis.call('HSET', key, 'children', ARGV[4])
		end
		return 'ok'
	`)

	// KEYS[1] record. ARGV: id, child key prefix.
	// Removes the record, its index memberships and every child listed in
	// its children set together with the children's index memberships.
	s.scripts["delete"] = redis.NewScript(`
		local key = KEYS[1]
		local id = ARGV[1]
		local childPrefix = ARGV[2]

		local function unindex(k, member)
			local idx = redis.call('HGET', k, 'indexes')
			if idx then
				for set in string.gmatch(idx, '%S+') do
					redis.call('SREM', set, member)
				end
			end
		end

		local children = redis.call('HGET', key, 'children')
		if children then
			for _, cid in ipairs(redis.call('SMEMBERS', children)) do
				local ckey = childPrefix .. cid
				unindex(ckey, cid)
				redis.call('DEL', ckey)
			end
			redis.call('DEL', children)
		end

		unindex(key, id)
		redis.call('DEL', key)
		return 'ok'
	`)
}

func (s *Storage) key(parts ...string) string {
	k := s.config.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Storage) productKey(id string) string { return s.key("product", id) }
func (s *Storage) priceKey(id string) string { return s.key("price", id) }
func (s *Storage) customerKey(id string) string { return s.key("customer", id) }
func (s *Storage) subscriptionKey(id string) string { return s.key("subscription", id) }
func (s *Storage) paymentIntentKey(id string) string { return s.key("payment_intent", id) }

func (s *Storage) productPricesKey(id string) string { return s.key("product", id, "prices") }
func (s *Storage) customerSubsKey(id string) string { return s.key("customer", id, "subscriptions") }
func (s *Storage) userCustomersKey(userID string) string { return s.key("user", userID, "customers") }
func (s *Storage) userSubsKey(userID string) string { return s.key("user", userID, "subscriptions") }
func (s *Storage) indexKey(entity string) string { return s.key("index", entity) }

// upsert runs the guarded write script and maps its result.
func (s *Storage) upsert(
	ctx context.Context, key, parent, id string, record any, updatedAt time.Time,
	children string, missingParent error, indexes ...string,
) error {
	return s.upsertUnique(ctx, key, parent, id, record, updatedAt, children, "", missingParent, indexes...)
}

// upsertUnique is upsert that also fails with subsync.ErrUserAlreadyMapped
// when the unique set holds another id.
func (s *Storage) upsertUnique(
	ctx context.Context, key, parent, id string, record any, updatedAt time.Time,
	children, unique string, missingParent error, indexes ...string,
) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}
	if parent == "" {
		parent = key
	}
	keys := append([]string{key, parent}, indexes...)

	result, err := s.scripts["upsert"].Run(ctx, s.client, keys,
		id, data, updatedAt.UnixMicro(), children, unique).Text()
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", id, err)
	}
	switch result {
	case resultOK:
		return nil
	case resultStale:
		return subsync.ErrStaleWrite
	case resultMissingParent:
		return missingParent
	case resultTaken:
		return subsync.ErrUserAlreadyMapped
	default:
		return fmt.Errorf("unexpected upsert result %q", result)
	}
}

func (s *Storage) remove(ctx context.Context, key, id, childPrefix string) error {
	if err := s.scripts["delete"].Run(ctx, s.client, []string{key}, id, childPrefix).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// load reads the JSON data field of key into v.
func (s *Storage) load(ctx context.Context, key string, v any, notFound error) error {
	data, err := s.client.HGet(ctx, key, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// loadSet returns the JSON data of every member of set, ordered by id.
// Members whose record vanished concurrently are skipped.
func (s *Storage) loadSet(ctx context.Context, set string, keyFor func(string) string) ([][]byte, error) {
	ids, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", set, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, keyFor(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load %s: %w", set, err)
	}

	out := make([][]byte, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func decodeAll[T any](rows [][]byte) ([]*T, error) {
	out := make([]*T, 0, len(rows))
	for _, data := range rows {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// GetProduct implements subsync.Storage
func (s *Storage) GetProduct(ctx context.Context, id string) (*subsync.Product, error) {
	var p subsync.Product
	if err := s.load(ctx, s.productKey(id), &p, subsync.ErrProductNotFound); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProduct implements subsync.Storage
func (s *Storage) UpsertProduct(ctx context.Context, p *subsync.Product) error {
	return s.upsert(ctx, s.productKey(p.ID), "", p.ID, p, p.UpdatedAt,
		s.productPricesKey(p.ID), nil, s.indexKey("products"))
}

// DeleteProduct implements subsync.Storage. The product's prices go with it.
func (s *Storage) DeleteProduct(ctx context.Context, id string) error {
	return s.remove(ctx, s.productKey(id), id, s.priceKey(""))
}

// ListProducts implements subsync.Storage. Results are ordered by id.
func (s *Storage) ListProducts(ctx context.Context) ([]*subsync.Product, error) {
	rows, err := s.loadSet(ctx, s.indexKey("products"), s.productKey)
	if err != nil {
		return nil, err
	}
	return decodeAll[subsync.Product](rows)
}

// GetPrice implements subsync.Storage
func (s *Storage) GetPrice(ctx context.Context, id string) (*subsync.Price, error) {
	var p subsync.Price
	if err := s.load(ctx, s.priceKey(id), &p, subsync.ErrPriceNotFound); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPrice implements subsync.Storage
func (s *Storage) UpsertPrice(ctx context.Context, p *subsync.Price) error {
	return s.upsert(ctx, s.priceKey(p.ID), s.productKey(p.ProductID), p.ID, p, p.UpdatedAt,
		"", subsync.ErrProductNotFound, s.indexKey("prices"), s.productPricesKey(p.ProductID))
}

// DeletePrice implements subsync.Storage
func (s *Storage) DeletePrice(ctx context.Context, id string) error {
	return s.remove(ctx, s.priceKey(id), id, "")
}

// ListPrices implements subsync.Storage. Results are ordered by id.
func (s *Storage) ListPrices(ctx context.Context) ([]*subsync.Price, error) {
	rows, err := s.loadSet(ctx, s.indexKey("prices"), s.priceKey)
	if err != nil {
		return nil, err
	}
	return decodeAll[subsync.Price](rows)
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(ctx context.Context, id string) (*subsync.Customer, error) {
	var c subsync.Customer
	if err := s.load(ctx, s.customerKey(id), &c, subsync.ErrCustomerNotFound); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomerByUserID implements subsync.Storage. When several customers
// carry the same user id the most recently updated wins.
func (s *Storage) GetCustomerByUserID(ctx context.Context, userID string) (*subsync.Customer, error) {
	if userID == "" {
		return nil, subsync.ErrCustomerNotFound
	}
	rows, err := s.loadSet(ctx, s.userCustomersKey(userID), s.customerKey)
	if err != nil {
		return nil, err
	}
	customers, err := decodeAll[subsync.Customer](rows)
	if err != nil {
		return nil, err
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
	if c.UserID == "" {
		return s.upsert(ctx, s.customerKey(c.ID), "", c.ID, c, c.UpdatedAt, s.customerSubsKey(c.ID), nil)
	}
	byUser := s.userCustomersKey(c.UserID)
	return s.upsertUnique(ctx, s.customerKey(c.ID), "", c.ID, c, c.UpdatedAt,
		s.customerSubsKey(c.ID), byUser, nil, byUser)
}

// DeleteCustomer implements subsync.Storage. The customer's subscriptions go with it.
func (s *Storage) DeleteCustomer(ctx context.Context, id string) error {
	return s.remove(ctx, s.customerKey(id), id, s.subscriptionKey(""))
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	if err := s.load(ctx, s.subscriptionKey(id), &sub, subsync.ErrSubscriptionNotFound); err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	indexes := []string{s.customerSubsKey(sub.CustomerID)}
	if sub.UserID != "" {
		indexes = append(indexes, s.userSubsKey(sub.UserID))
	}
	return s.upsert(ctx, s.subscriptionKey(sub.ID), s.customerKey(sub.CustomerID), sub.ID, sub, sub.UpdatedAt,
		"", subsync.ErrCustomerNotFound, indexes...)
}

// ListSubscriptionsByUser implements subsync.Storage. Results are ordered by id.
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*subsync.Subscription, error) {
	if userID == "" {
		return nil, nil
	}
	rows, err := s.loadSet(ctx, s.userSubsKey(userID), s.subscriptionKey)
	if err != nil {
		return nil, err
	}
	return decodeAll[subsync.Subscription](rows)
}

// GetPaymentIntent implements subsync.Storage
func (s *Storage) GetPaymentIntent(ctx context.Context, id string) (*subsync.PaymentIntent, error) {
	var pi subsync.PaymentIntent
	if err := s.load(ctx, s.paymentIntentKey(id), &pi, subsync.ErrPaymentIntentNotFound); err != nil {
		return nil, err
	}
	return &pi, nil
}

// UpsertPaymentIntent implements subsync.Storage
func (s *Storage) UpsertPaymentIntent(ctx context.Context, pi *subsync.PaymentIntent) error {
	return s.upsert(ctx, s.paymentIntentKey(pi.ID), "", pi.ID, pi, pi.UpdatedAt, "", nil)
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
