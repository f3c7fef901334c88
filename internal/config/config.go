package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Purchases PurchasesConfig `mapstructure:"purchases"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Push      PushConfig      `mapstructure:"push"`
}

// ServerConfig defines listeners and HTTP behaviour
type ServerConfig struct {
	BindAddress     string   `mapstructure:"bind_address"`
	HTTPPort        int      `mapstructure:"http_port"`
	MetricsPort     int      `mapstructure:"metrics_port"`
	AdminToken      string   `mapstructure:"admin_token"`      // Bearer token for admin routes; empty disables them
	RateLimit       float64  `mapstructure:"rate_limit"`       // Requests per second per client IP; 0 disables
	RateLimitBurst  int      `mapstructure:"rate_limit_burst"` // Burst allowance per client IP
	ReadTimeout     string   `mapstructure:"read_timeout"`     // HTTP server read timeout
	WriteTimeout    string   `mapstructure:"write_timeout"`    // HTTP server write timeout
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"` // Graceful shutdown budget
	TrustedProxies  []string `mapstructure:"trusted_proxies"`  // CIDRs allowed to set X-Forwarded-For
	AllowedOrigins  []string `mapstructure:"allowed_origins"`  // CORS origins for the web client
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type       string      `mapstructure:"type"`        // "file", "bolt" or "redis"
	Path       string      `mapstructure:"path"`        // Usage document (file) or database (bolt)
	TokensPath string      `mapstructure:"tokens_path"` // Push token document (file backend only)
	Redis      RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	TokenTTL     string `mapstructure:"token_ttl"` // Push tokens expire unless refreshed; empty keeps forever
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UsageConfig defines quota tracking settings
type UsageConfig struct {
	FreeDailyLimit    int    `mapstructure:"free_daily_limit"`
	AdminEmails       string `mapstructure:"admin_emails"` // Comma-separated
	DefaultFeature    string `mapstructure:"default_feature"`
	RetentionDays     int    `mapstructure:"retention_days"` // 0 keeps history forever
	RetentionSchedule string `mapstructure:"retention_schedule"`
}

// PurchasesConfig defines how purchase tokens are verified
type PurchasesConfig struct {
	Verifier             string   `mapstructure:"verifier"` // "none" or "google_play"
	PackageName          string   `mapstructure:"package_name"`
	CredentialsFile      string   `mapstructure:"credentials_file"`
	SubscriptionProducts []string `mapstructure:"subscription_products"`
	Timeout              string   `mapstructure:"timeout"`
}

// PolicyConfig defines the quota decision engine
type PolicyConfig struct {
	Engine string `mapstructure:"engine"` // "builtin" or "opa"
	Dir    string `mapstructure:"dir"`    // Optional directory of .rego files overriding the embedded policy
}

// PushConfig defines the push messaging provider
type PushConfig struct {
	Provider              string `mapstructure:"provider"` // "log" or "fcm"
	ProjectID             string `mapstructure:"project_id"`
	CredentialsFile       string `mapstructure:"credentials_file"`
	RequestTimeout        string `mapstructure:"request_timeout"`
	SubscriptionCacheSize int    `mapstructure:"subscription_cache_size"`
	SubscriptionCacheTTL  string `mapstructure:"subscription_cache_ttl"`
}

// Load loads configuration from file and environment variables.
// A missing config file is not an error; defaults and environment apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetEnvPrefix("QUOTAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// ADMIN_EMAILS is the variable older deployments already set
	if err := v.BindEnv("usage.admin_emails", "QUOTAD_USAGE_ADMIN_EMAILS", "ADMIN_EMAILS"); err != nil {
		return nil, fmt.Errorf("failed to bind admin emails: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration used when no file or environment
// overrides are present.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys returns every configuration key the application reads.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.allowed_origins", []string{})

	// Storage defaults
	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "instance/usage_data.json")
	v.SetDefault("storage.tokens_path", "")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "quotad")
	v.SetDefault("storage.redis.token_ttl", "6480h") // 270 days

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Usage defaults
	v.SetDefault("usage.free_daily_limit", 3)
	v.SetDefault("usage.admin_emails", "")
	v.SetDefault("usage.default_feature", "interpretation")
	v.SetDefault("usage.retention_days", 0)
	v.SetDefault("usage.retention_schedule", "@daily")

	// Purchase defaults
	v.SetDefault("purchases.verifier", "none")
	v.SetDefault("purchases.package_name", "")
	v.SetDefault("purchases.credentials_file", "")
	v.SetDefault("purchases.subscription_products", []string{"premium_monthly", "premium_yearly"})
	v.SetDefault("purchases.timeout", "10s")

	// Policy defaults
	v.SetDefault("policy.engine", "builtin")
	v.SetDefault("policy.dir", "")

	// Push defaults
	v.SetDefault("push.provider", "log")
	v.SetDefault("push.project_id", "")
	v.SetDefault("push.credentials_file", "")
	v.SetDefault("push.request_timeout", "10s")
	v.SetDefault("push.subscription_cache_size", 10000)
	v.SetDefault("push.subscription_cache_ttl", "1h")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	for name, value := range map[string]string{
		"server.read_timeout":     cfg.Server.ReadTimeout,
		"server.write_timeout":    cfg.Server.WriteTimeout,
		"server.shutdown_timeout": cfg.Server.ShutdownTimeout,
		"purchases.timeout":       cfg.Purchases.Timeout,
		"push.request_timeout":    cfg.Push.RequestTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	switch cfg.Storage.Type {
	case "", "file":
		cfg.Storage.Type = "file"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		if cfg.Storage.TokensPath == "" {
			cfg.Storage.TokensPath = filepath.Join(filepath.Dir(cfg.Storage.Path), "push_tokens.json")
		}
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (must be file, bolt, or redis)", cfg.Storage.Type)
	}

	if cfg.Usage.FreeDailyLimit <= 0 {
		return fmt.Errorf("usage.free_daily_limit must be positive")
	}
	if cfg.Usage.DefaultFeature == "" {
		cfg.Usage.DefaultFeature = "interpretation"
	}
	if cfg.Usage.RetentionDays < 0 {
		return fmt.Errorf("usage.retention_days must not be negative")
	}

	switch cfg.Purchases.Verifier {
	case "", "none":
		cfg.Purchases.Verifier = "none"
	case "google_play":
		if cfg.Purchases.PackageName == "" {
			return fmt.Errorf("purchases.package_name is required for google_play verification")
		}
	default:
		return fmt.Errorf("unsupported purchase verifier: %s (must be none or google_play)", cfg.Purchases.Verifier)
	}

	switch cfg.Policy.Engine {
	case "", "builtin":
		cfg.Policy.Engine = "builtin"
	case "opa":
	default:
		return fmt.Errorf("unsupported policy engine: %s (must be builtin or opa)", cfg.Policy.Engine)
	}

	switch cfg.Push.Provider {
	case "", "log":
		cfg.Push.Provider = "log"
	case "fcm":
		if cfg.Push.ProjectID == "" {
			return fmt.Errorf("push.project_id is required for the fcm provider")
		}
	default:
		return fmt.Errorf("unsupported push provider: %s (must be log or fcm)", cfg.Push.Provider)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
