// Package config handles application configuration from environment variables
// and an optional TOML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/mbd888/agentmarket/internal/validation"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageBolt     = "bolt"
	StorageLevel    = "leveldb"
	StoragePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string        `toml:"port"`
	Env            string        `toml:"env"` // "development", "staging", "production"
	RequestTimeout time.Duration `toml:"request_timeout"`

	// Logging
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "json" or "text"
	LogFile   string `toml:"log_file"`   // rotated when set

	// Storage
	Storage     string `toml:"storage"`
	DataPath    string `toml:"data_path"`    // bolt file or leveldb directory
	DatabaseURL string `toml:"database_url"` // PostgreSQL connection string

	// Settlement
	PlatformWallet string   `toml:"platform_wallet"`
	TreasuryWallet string   `toml:"treasury_wallet"`
	Moderators     []string `toml:"moderators"`
	ProviderGuard  bool     `toml:"provider_guard"` // only the provider may submit results

	// Security
	AdminSecret          string   `toml:"admin_secret"`
	ReputationHMACSecret string   `toml:"reputation_hmac_secret"` // signs profile responses (optional)
	RateLimitRPM         int      `toml:"rate_limit_rpm"`
	CORSOrigins          []string `toml:"cors_origins"`

	// Event fan-out
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`

	// Background work
	SnapshotInterval time.Duration `toml:"snapshot_interval"`

	// Observability
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultRateLimit        = 120
	DefaultKafkaTopic       = "agentmarket.events"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultSnapshotInterval = time.Hour
)

// Load reads configuration from environment variables. It loads a .env file
// if present, then overlays CONFIG_FILE (TOML) when set. Environment
// variables win over the file.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:             DefaultPort,
		Env:              DefaultEnv,
		RequestTimeout:   DefaultRequestTimeout,
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
		Storage:          StorageMemory,
		RateLimitRPM:     DefaultRateLimit,
		KafkaTopic:       DefaultKafkaTopic,
		SnapshotInterval: DefaultSnapshotInterval,
		ProviderGuard:    true,
	}
}

// loadFile overlays path onto c. Durations are strings such as "30s".
func (c *Config) loadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.Storage = getEnv("STORAGE", c.Storage)
	c.DataPath = getEnv("DATA_PATH", c.DataPath)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.PlatformWallet = getEnv("PLATFORM_WALLET", c.PlatformWallet)
	c.TreasuryWallet = getEnv("TREASURY_WALLET", c.TreasuryWallet)
	c.Moderators = getEnvList("MODERATORS", c.Moderators)
	c.ProviderGuard = getEnvBool("PROVIDER_GUARD", c.ProviderGuard)
	c.AdminSecret = getEnv("ADMIN_SECRET", c.AdminSecret)
	c.ReputationHMACSecret = getEnv("REPUTATION_HMAC_SECRET", c.ReputationHMACSecret)
	c.RateLimitRPM = int(getEnvInt64("RATE_LIMIT_RPM", int64(c.RateLimitRPM)))
	c.CORSOrigins = getEnvList("CORS_ORIGINS", c.CORSOrigins)
	c.KafkaBrokers = getEnvList("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)
	c.SnapshotInterval = getEnvDuration("SNAPSHOT_INTERVAL", c.SnapshotInterval)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)

	// Backward compatible: a database URL alone selects Postgres.
	if c.DatabaseURL != "" && os.Getenv("STORAGE") == "" && c.Storage == StorageMemory {
		c.Storage = StoragePostgres
	}
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if !validation.IsValidAddress(c.PlatformWallet) {
		return fmt.Errorf("PLATFORM_WALLET must be a valid address")
	}
	if !validation.IsValidAddress(c.TreasuryWallet) {
		return fmt.Errorf("TREASURY_WALLET must be a valid address")
	}
	if strings.EqualFold(c.PlatformWallet, c.TreasuryWallet) {
		return fmt.Errorf("PLATFORM_WALLET and TREASURY_WALLET must differ")
	}
	for _, m := range c.Moderators {
		if !validation.IsValidAddress(m) {
			return fmt.Errorf("MODERATORS contains invalid address %q", m)
		}
	}

	switch c.Storage {
	case StorageMemory:
	case StorageBolt, StorageLevel:
		if c.DataPath == "" {
			return fmt.Errorf("DATA_PATH is required for %s storage", c.Storage)
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("STORAGE must be one of memory, bolt, leveldb, postgres (got %q)", c.Storage)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
