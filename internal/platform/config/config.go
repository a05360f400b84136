package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultOfferEventsTopic    = "offer-events"
	defaultOfferChangesSub     = "offer-changes-api"
	defaultRedisKeyPrefix      = "offers-api:tiers:"
	defaultPurchaseWindow      = 24 * time.Hour
	defaultResponseWindow      = 48 * time.Hour
	defaultProductLimit        = 3
	defaultSupplierLimit       = 5
	defaultLoadAttempts        = 3
	defaultLoadBackoff         = 10 * time.Millisecond
	defaultOfferCacheTTL       = 30 * time.Second
	defaultSessionTTL          = 30 * time.Minute
	defaultSessionSweep        = 5 * time.Minute
	defaultTierCacheTTL        = 5 * time.Minute
	defaultTransitionTimeout   = 10 * time.Second
	defaultOfferCallTimeout    = 30 * time.Second
	defaultChangeReceiveWorker = 4
	defaultCreateRateLimit     = 10
	defaultCreateRateWindow    = time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firestore     FirestoreConfig
	PubSub        PubSubConfig
	Redis         RedisConfig
	Offers        OffersConfig
	Pricing       PricingConfig
	Observability ObservabilityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the lifecycle event topic and the remote change subscription.
type PubSubConfig struct {
	ProjectID           string
	OfferEventsTopic    string
	OfferChangesSub     string
	ChangeReceiveWorker int
}

// RedisConfig enables the shared price schedule cache when URL is set.
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

// OffersConfig controls offer lifecycle policy.
type OffersConfig struct {
	PurchaseWindow    time.Duration
	ResponseWindow    time.Duration
	ProductLimit      int
	SupplierLimit     int
	LoadAttempts      int
	LoadBackoff       time.Duration
	CacheTTL          time.Duration
	SessionTTL        time.Duration
	SessionSweep      time.Duration
	TransitionTimeout time.Duration
	CallTimeout       time.Duration
	CreateRateLimit   int
	CreateRateWindow  time.Duration
	PolicyFile        string
}

// PricingConfig controls price tier resolution.
type PricingConfig struct {
	TierCacheTTL time.Duration
}

// ObservabilityConfig holds tracing settings.
type ObservabilityConfig struct {
	TraceProjectID string
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the application configuration by combining defaults, the optional offer policy
// file, .env overrides and environment variables. Environment values win over the policy file.
func Load(_ context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	policy := OffersConfig{
		PurchaseWindow:    defaultPurchaseWindow,
		ResponseWindow:    defaultResponseWindow,
		ProductLimit:      defaultProductLimit,
		SupplierLimit:     defaultSupplierLimit,
		LoadAttempts:      defaultLoadAttempts,
		LoadBackoff:       defaultLoadBackoff,
		CacheTTL:          defaultOfferCacheTTL,
		SessionTTL:        defaultSessionTTL,
		SessionSweep:      defaultSessionSweep,
		TransitionTimeout: defaultTransitionTimeout,
	}
	policyFile := stringWithDefault(lookup, "API_OFFERS_POLICY_FILE", "")
	if policyFile != "" {
		if err := loadPolicyFile(policyFile, &policy); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:           stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OfferEventsTopic:    stringWithDefault(lookup, "API_PUBSUB_OFFER_EVENTS_TOPIC", defaultOfferEventsTopic),
			OfferChangesSub:     stringWithDefault(lookup, "API_PUBSUB_OFFER_CHANGES_SUBSCRIPTION", defaultOfferChangesSub),
			ChangeReceiveWorker: intWithDefault(lookup, "API_PUBSUB_CHANGE_WORKERS", defaultChangeReceiveWorker),
		},
		Redis: RedisConfig{
			URL:       stringWithDefault(lookup, "API_REDIS_URL", ""),
			KeyPrefix: stringWithDefault(lookup, "API_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		Offers: OffersConfig{
			PurchaseWindow:    durationWithDefault(lookup, "API_OFFERS_PURCHASE_WINDOW", policy.PurchaseWindow),
			ResponseWindow:    durationWithDefault(lookup, "API_OFFERS_RESPONSE_WINDOW", policy.ResponseWindow),
			ProductLimit:      intWithDefault(lookup, "API_OFFERS_PRODUCT_LIMIT", policy.ProductLimit),
			SupplierLimit:     intWithDefault(lookup, "API_OFFERS_SUPPLIER_LIMIT", policy.SupplierLimit),
			LoadAttempts:      intWithDefault(lookup, "API_OFFERS_LOAD_ATTEMPTS", policy.LoadAttempts),
			LoadBackoff:       durationWithDefault(lookup, "API_OFFERS_LOAD_BACKOFF", policy.LoadBackoff),
			CacheTTL:          durationWithDefault(lookup, "API_OFFERS_CACHE_TTL", policy.CacheTTL),
			SessionTTL:        durationWithDefault(lookup, "API_OFFERS_SESSION_TTL", policy.SessionTTL),
			SessionSweep:      durationWithDefault(lookup, "API_OFFERS_SESSION_SWEEP", policy.SessionSweep),
			TransitionTimeout: durationWithDefault(lookup, "API_OFFERS_TRANSITION_TIMEOUT", policy.TransitionTimeout),
			CallTimeout:       durationWithDefault(lookup, "API_OFFERS_CALL_TIMEOUT", defaultOfferCallTimeout),
			CreateRateLimit:   intWithDefault(lookup, "API_OFFERS_CREATE_RATE_LIMIT", defaultCreateRateLimit),
			CreateRateWindow:  durationWithDefault(lookup, "API_OFFERS_CREATE_RATE_WINDOW", defaultCreateRateWindow),
			PolicyFile:        policyFile,
		},
		Pricing: PricingConfig{
			TierCacheTTL: durationWithDefault(lookup, "API_PRICING_TIER_CACHE_TTL", defaultTierCacheTTL),
		},
		Observability: ObservabilityConfig{
			TraceProjectID: stringWithDefault(lookup, "API_TRACE_PROJECT_ID", ""),
		},
	}

	// Pub/Sub and tracing default to the Firestore project when unspecified.
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Observability.TraceProjectID == "" {
		cfg.Observability.TraceProjectID = cfg.Firestore.ProjectID
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type policyDocument struct {
	Offers struct {
		PurchaseWindow    string `yaml:"purchase_window"`
		ResponseWindow    string `yaml:"response_window"`
		ProductLimit      *int   `yaml:"product_limit"`
		SupplierLimit     *int   `yaml:"supplier_limit"`
		LoadAttempts      *int   `yaml:"load_attempts"`
		LoadBackoff       string `yaml:"load_backoff"`
		CacheTTL          string `yaml:"cache_ttl"`
		SessionTTL        string `yaml:"session_ttl"`
		SessionSweep      string `yaml:"session_sweep"`
		TransitionTimeout string `yaml:"transition_timeout"`
	} `yaml:"offers"`
}

func loadPolicyFile(path string, policy *OffersConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: unable to read offer policy %s: %w", path, err)
	}
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: failed parsing offer policy %s: %w", path, err)
	}

	var invalid []string
	durations := []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"offers.purchase_window", doc.Offers.PurchaseWindow, &policy.PurchaseWindow},
		{"offers.response_window", doc.Offers.ResponseWindow, &policy.ResponseWindow},
		{"offers.load_backoff", doc.Offers.LoadBackoff, &policy.LoadBackoff},
		{"offers.cache_ttl", doc.Offers.CacheTTL, &policy.CacheTTL},
		{"offers.session_ttl", doc.Offers.SessionTTL, &policy.SessionTTL},
		{"offers.session_sweep", doc.Offers.SessionSweep, &policy.SessionSweep},
		{"offers.transition_timeout", doc.Offers.TransitionTimeout, &policy.TransitionTimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			invalid = append(invalid, d.name)
			continue
		}
		*d.field = parsed
	}
	if doc.Offers.ProductLimit != nil {
		policy.ProductLimit = *doc.Offers.ProductLimit
	}
	if doc.Offers.SupplierLimit != nil {
		policy.SupplierLimit = *doc.Offers.SupplierLimit
	}
	if doc.Offers.LoadAttempts != nil {
		policy.LoadAttempts = *doc.Offers.LoadAttempts
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Offers.PurchaseWindow <= 0 {
		missing = append(missing, "Offers.PurchaseWindow")
	}
	if cfg.Offers.ResponseWindow <= 0 {
		missing = append(missing, "Offers.ResponseWindow")
	}
	if cfg.Offers.ProductLimit <= 0 {
		missing = append(missing, "Offers.ProductLimit")
	}
	if cfg.Offers.SupplierLimit <= 0 {
		missing = append(missing, "Offers.SupplierLimit")
	}
	if cfg.Offers.LoadAttempts <= 0 {
		missing = append(missing, "Offers.LoadAttempts")
	}
	if cfg.Pricing.TierCacheTTL <= 0 {
		missing = append(missing, "Pricing.TierCacheTTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}
