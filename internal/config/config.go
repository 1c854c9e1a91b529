// Package config loads and validates the service configuration.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/vidcredit/internal/purchase"
)

// Job backends for periodic reconciliation.
const (
	JobBackendTicker = "ticker"
	JobBackendRiver  = "river"
)

// Config holds all configuration values for the service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Webhook verification
	PaymentWebhookSecret      string `koanf:"payment_webhook_secret"`
	GenerationWebhookSecret   string `koanf:"generation_webhook_secret"`
	SignatureToleranceSeconds int    `koanf:"signature_tolerance_seconds"`

	// Stripe checkout
	StripeAPIKey        string                   `koanf:"stripe_api_key"`
	StripeWebhookSecret string                   `koanf:"stripe_webhook_secret"`
	CheckoutSuccessURL  string                   `koanf:"checkout_success_url"`
	CheckoutCancelURL   string                   `koanf:"checkout_cancel_url"`
	CreditPackages      []purchase.CreditPackage `koanf:"credit_packages"`

	// Admin authentication
	AdminJWTSecret         string `koanf:"admin_jwt_secret"`
	AdminJWTPreviousSecret string `koanf:"admin_jwt_previous_secret"`

	// Generation provider
	GenerationProviderURL       string `koanf:"generation_provider_url"`
	GenerationProviderAPIKey    string `koanf:"generation_provider_api_key"`
	GenerationMaxRetries        int    `koanf:"generation_max_retries"`
	GenerationStaleAfterMinutes int    `koanf:"generation_stale_after_minutes"`
	GenerationCallbackGraceSecs int    `koanf:"generation_callback_grace_seconds"`

	// Reconciliation
	ReconcileIntervalSeconds int    `koanf:"reconcile_interval_seconds"`
	JobBackend               string `koanf:"job_backend"`

	// HTTP edge
	CORSAllowedOrigins       []string `koanf:"cors_allowed_origins"`
	RateLimitPublicPerMinute int      `koanf:"rate_limit_public_per_minute"`
	RateLimitAdminPerMinute  int      `koanf:"rate_limit_admin_per_minute"`
	IdempotencyTTLSeconds    int      `koanf:"idempotency_ttl_seconds"`
	IdempotencyRequired      bool     `koanf:"idempotency_required"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	OTLPEndpoint        string  `koanf:"otlp_endpoint"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL             = errors.New("DATABASE_URL is required in production")
	ErrMissingPaymentWebhookSecret    = errors.New("PAYMENT_WEBHOOK_SECRET is required in production")
	ErrMissingGenerationWebhookSecret = errors.New("GENERATION_WEBHOOK_SECRET is required in production")
	ErrMissingAdminJWTSecret          = errors.New("ADMIN_JWT_SECRET is required in production")
	ErrInvalidPort                    = errors.New("PORT must be a valid integer")
	ErrInvalidNumber                  = errors.New("value must be a valid number")
	ErrInvalidJobBackend              = errors.New("JOB_BACKEND must be ticker or river")
	ErrRiverNeedsDatabase             = errors.New("JOB_BACKEND=river requires DATABASE_URL")
	ErrInvalidSamplingRate            = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
	ErrInvalidTracingExporter         = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrNonPositiveSetting             = errors.New("setting must be greater than zero")
)

// Default values for non-secret configuration.
const (
	DefaultPort                        = 8080
	DefaultEnv                         = "development"
	DefaultSignatureToleranceSeconds   = 300
	DefaultGenerationMaxRetries        = 3
	DefaultGenerationStaleAfterMinutes = 30
	DefaultGenerationCallbackGraceSecs = 15 * 60
	DefaultReconcileIntervalSeconds    = 300
	DefaultJobBackend                  = JobBackendTicker
	DefaultRateLimitPublicPerMinute    = 120
	DefaultRateLimitAdminPerMinute     = 30
	DefaultIdempotencyTTLSeconds       = 24 * 60 * 60
	DefaultTracingExporter             = "otlp-http"
	DefaultTracingSamplingRate         = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	intSetting := func(envKey, koanfKey string, def int) int {
		v, err := getEnvIntOrDefault(envKey, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	port, portErr := getEnvIntOrDefaultMulti([]string{"VIDCREDIT_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	samplingRate, rateErr := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k.Float64("tracing_sampling_rate"), DefaultTracingSamplingRate)
	if rateErr != nil {
		loadErrs = append(loadErrs, rateErr)
	}

	packages := purchase.DefaultPackages
	if k.Exists("credit_packages") {
		var fromFile []purchase.CreditPackage
		if err := k.Unmarshal("credit_packages", &fromFile); err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("credit_packages: %w", err))
		} else {
			packages = fromFile
		}
	}

	cfg := &Config{
		Port:        port,
		Env:         getEnvOrDefaultMulti([]string{"VIDCREDIT_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:    getEnvOrKoanf("REDIS_URL", k, "redis_url"),

		PaymentWebhookSecret:      getEnvOrKoanf("PAYMENT_WEBHOOK_SECRET", k, "payment_webhook_secret"),
		GenerationWebhookSecret:   getEnvOrKoanf("GENERATION_WEBHOOK_SECRET", k, "generation_webhook_secret"),
		SignatureToleranceSeconds: intSetting("SIGNATURE_TOLERANCE_SECONDS", "signature_tolerance_seconds", DefaultSignatureToleranceSeconds),

		StripeAPIKey:        getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret: getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		CheckoutSuccessURL:  getEnvOrKoanf("CHECKOUT_SUCCESS_URL", k, "checkout_success_url"),
		CheckoutCancelURL:   getEnvOrKoanf("CHECKOUT_CANCEL_URL", k, "checkout_cancel_url"),
		CreditPackages:      packages,

		AdminJWTSecret:         getEnvOrKoanf("ADMIN_JWT_SECRET", k, "admin_jwt_secret"),
		AdminJWTPreviousSecret: getEnvOrKoanf("ADMIN_JWT_PREVIOUS_SECRET", k, "admin_jwt_previous_secret"),

		GenerationProviderURL:       getEnvOrKoanf("GENERATION_PROVIDER_URL", k, "generation_provider_url"),
		GenerationProviderAPIKey:    getEnvOrKoanf("GENERATION_PROVIDER_API_KEY", k, "generation_provider_api_key"),
		GenerationMaxRetries:        intSetting("GENERATION_MAX_RETRIES", "generation_max_retries", DefaultGenerationMaxRetries),
		GenerationStaleAfterMinutes: intSetting("GENERATION_STALE_AFTER_MINUTES", "generation_stale_after_minutes", DefaultGenerationStaleAfterMinutes),
		GenerationCallbackGraceSecs: intSetting("GENERATION_CALLBACK_GRACE_SECONDS", "generation_callback_grace_seconds", DefaultGenerationCallbackGraceSecs),

		ReconcileIntervalSeconds: intSetting("RECONCILE_INTERVAL_SECONDS", "reconcile_interval_seconds", DefaultReconcileIntervalSeconds),
		JobBackend:               strings.ToLower(getEnvOrDefault("JOB_BACKEND", k.String("job_backend"), DefaultJobBackend)),

		CORSAllowedOrigins:       getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		RateLimitPublicPerMinute: intSetting("RATE_LIMIT_PUBLIC_PER_MINUTE", "rate_limit_public_per_minute", DefaultRateLimitPublicPerMinute),
		RateLimitAdminPerMinute:  intSetting("RATE_LIMIT_ADMIN_PER_MINUTE", "rate_limit_admin_per_minute", DefaultRateLimitAdminPerMinute),
		IdempotencyTTLSeconds:    intSetting("IDEMPOTENCY_TTL_SECONDS", "idempotency_ttl_seconds", DefaultIdempotencyTTLSeconds),
		IdempotencyRequired:      getEnvBoolOrKoanf("IDEMPOTENCY_REQUIRED", k, "idempotency_required"),

		TracingEnabled:      getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled"),
		OTLPEndpoint:        getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingExporter:     getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingSamplingRate: samplingRate,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the service runs with production policies.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SignatureTolerance is the accepted webhook timestamp skew.
func (c *Config) SignatureTolerance() time.Duration {
	return time.Duration(c.SignatureToleranceSeconds) * time.Second
}

// GenerationStaleAfter is how long a generation may hold credits without progress.
func (c *Config) GenerationStaleAfter() time.Duration {
	return time.Duration(c.GenerationStaleAfterMinutes) * time.Minute
}

// GenerationCallbackGrace is how long a callback for an unrecorded task id is retried.
func (c *Config) GenerationCallbackGrace() time.Duration {
	return time.Duration(c.GenerationCallbackGraceSecs) * time.Second
}

// ReconcileInterval is the time between scheduled reconciliation runs.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// IdempotencyTTL is how long stored responses are replayed.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvListOrKoanf reads a comma separated env list, falling back to a koanf string list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := k.Strings(koanfKey)
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnvBoolOrKoanf reads a boolean flag; the env var takes precedence over file config.
// Unrecognised env values leave the file value in place.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) bool {
	v := k.Bool(koanfKey)
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		v = true
	case "false", "0", "no", "off":
		v = false
	}
	return v
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// A zero value from a YAML file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks the configuration. Secrets are only mandatory in
// production; development falls back to in-memory stores and unverified
// webhooks.
func (c *Config) Validate() []error {
	var errs []error

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
		if c.PaymentWebhookSecret == "" {
			errs = append(errs, ErrMissingPaymentWebhookSecret)
		}
		if c.GenerationWebhookSecret == "" {
			errs = append(errs, ErrMissingGenerationWebhookSecret)
		}
		if c.AdminJWTSecret == "" {
			errs = append(errs, ErrMissingAdminJWTSecret)
		}
	}

	switch c.JobBackend {
	case JobBackendTicker:
	case JobBackendRiver:
		if c.DatabaseURL == "" {
			errs = append(errs, ErrRiverNeedsDatabase)
		}
	default:
		errs = append(errs, fmt.Errorf("%w (got %q)", ErrInvalidJobBackend, c.JobBackend))
	}

	positive := map[string]int{
		"SIGNATURE_TOLERANCE_SECONDS":       c.SignatureToleranceSeconds,
		"GENERATION_MAX_RETRIES":            c.GenerationMaxRetries,
		"GENERATION_STALE_AFTER_MINUTES":    c.GenerationStaleAfterMinutes,
		"GENERATION_CALLBACK_GRACE_SECONDS": c.GenerationCallbackGraceSecs,
		"RECONCILE_INTERVAL_SECONDS":        c.ReconcileIntervalSeconds,
		"RATE_LIMIT_PUBLIC_PER_MINUTE":      c.RateLimitPublicPerMinute,
		"RATE_LIMIT_ADMIN_PER_MINUTE":       c.RateLimitAdminPerMinute,
		"IDEMPOTENCY_TTL_SECONDS":           c.IdempotencyTTLSeconds,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w (got %d)", name, ErrNonPositiveSetting, v))
		}
	}

	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}
	if c.TracingEnabled && c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
		errs = append(errs, ErrInvalidTracingExporter)
	}
	if _, err := purchase.NewCatalog(c.CreditPackages); err != nil {
		errs = append(errs, fmt.Errorf("credit_packages: %w", err))
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                              strconv.Itoa(c.Port),
		"env":                               c.Env,
		"database_url":                      maskDatabaseURL(c.DatabaseURL),
		"redis_url":                         maskDatabaseURL(c.RedisURL),
		"payment_webhook_secret":            maskSecret(c.PaymentWebhookSecret),
		"generation_webhook_secret":         maskSecret(c.GenerationWebhookSecret),
		"signature_tolerance_seconds":       strconv.Itoa(c.SignatureToleranceSeconds),
		"stripe_api_key":                    maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":             maskSecret(c.StripeWebhookSecret),
		"credit_packages":                   strconv.Itoa(len(c.CreditPackages)),
		"admin_jwt_secret":                  maskSecret(c.AdminJWTSecret),
		"generation_provider_url":           c.GenerationProviderURL,
		"generation_provider_api_key":       maskSecret(c.GenerationProviderAPIKey),
		"generation_callback_grace_seconds": strconv.Itoa(c.GenerationCallbackGraceSecs),
		"job_backend":                       c.JobBackend,
		"reconcile_interval_seconds":        strconv.Itoa(c.ReconcileIntervalSeconds),
		"cors_allowed_origins":              strings.Join(c.CORSAllowedOrigins, ","),
		"idempotency_required":              strconv.FormatBool(c.IdempotencyRequired),
		"tracing_enabled":                   strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":                  c.TracingExporter,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres://, redis://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // no credentials
	}
	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // username only
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
