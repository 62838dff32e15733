package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Storage backends selectable with STORAGE.
const (
	backendMemory    = "memory"
	backendPostgres  = "postgres"
	backendRedis     = "redis"
	backendFirestore = "firestore"
	backendTiered    = "tiered"
)

// Config is the server configuration, read from the environment after an
// optional .env file.
type Config struct {
	Addr            string        `validate:"required"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	LogFormat       string        `validate:"oneof=json console"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	WebhookSecret      string `validate:"required"`
	APIKey             string
	SignatureTolerance time.Duration `validate:"gte=0"`
	WebhookRateLimit   int           `validate:"gte=0"`
	ReconcileOnStart   bool

	Storage     string `validate:"oneof=memory postgres redis firestore tiered"`
	TieredHot   string `validate:"oneof=memory redis"`
	TieredCold  string `validate:"oneof=postgres firestore"`
	TieredAsync bool

	PostgresDSN      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int `validate:"gte=0,lte=15"`
	FirestoreProject string

	JWTSecret          string
	CORSAllowedOrigins []string
	SuccessURL         string `validate:"omitempty,url"`
	CancelURL          string `validate:"omitempty,url"`
	ReturnURL          string `validate:"omitempty,url"`
	MetricsNamespace   string `validate:"required"`
}

var validate = validator.New()

// LoadConfig reads .env (when present) and the environment.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		// A missing file is fine; real environment variables win over it
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	var errs []error
	cfg := &Config{
		Addr:            getEnv("ADDR", ":8080"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "json")),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),

		WebhookSecret:      strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		APIKey:             strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		SignatureTolerance: getDuration("STRIPE_SIGNATURE_TOLERANCE", 0, &errs),
		WebhookRateLimit:   getInt("WEBHOOK_RATE_LIMIT", 0, &errs),
		ReconcileOnStart:   getBool("RECONCILE_ON_START", false, &errs),

		Storage:     strings.ToLower(getEnv("STORAGE", backendMemory)),
		TieredHot:   strings.ToLower(getEnv("TIERED_HOT", backendRedis)),
		TieredCold:  strings.ToLower(getEnv("TIERED_COLD", backendPostgres)),
		TieredAsync: getBool("TIERED_ASYNC", false, &errs),

		PostgresDSN:      os.Getenv("POSTGRES_DSN"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getInt("REDIS_DB", 0, &errs),
		FirestoreProject: os.Getenv("FIRESTORE_PROJECT_ID"),

		JWTSecret:          os.Getenv("JWT_SECRET"),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		SuccessURL:         os.Getenv("CHECKOUT_SUCCESS_URL"),
		CancelURL:          os.Getenv("CHECKOUT_CANCEL_URL"),
		ReturnURL:          os.Getenv("PORTAL_RETURN_URL"),
		MetricsNamespace:   getEnv("METRICS_NAMESPACE", "subsync"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that the selected backends have
// their connection settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, backend := range c.backends() {
		switch backend {
		case backendPostgres:
			if c.PostgresDSN == "" {
				return errors.New("invalid config: POSTGRES_DSN is required for postgres storage")
			}
		case backendFirestore:
			if c.FirestoreProject == "" {
				return errors.New("invalid config: FIRESTORE_PROJECT_ID is required for firestore storage")
			}
		case backendRedis:
			if c.RedisAddr == "" {
				return errors.New("invalid config: REDIS_ADDR is required for redis storage")
			}
		}
	}
	return nil
}

// backends lists the concrete stores the configuration needs.
func (c *Config) backends() []string {
	if c.Storage == backendTiered {
		return []string{c.TieredHot, c.TieredCold}
	}
	return []string{c.Storage}
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return def
}

func getInt(key string, def int, errs *[]error) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getBool(key string, def bool, errs *[]error) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
