package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server
type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Auth         AuthConfig
	Cache        CacheConfig
	Logging      LoggingConfig
	RateLimit    RateLimitConfig
	Metrics      MetricsConfig
	Networks     NetworksConfig
	Indexer      IndexerConfig
	Retry        RetryConfig
	Sandbox      SandboxConfig
	Verification VerificationConfig
	Incidents    IncidentsConfig
	Notify       NotifyConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	IdleTimeout    int // seconds
	RequestTimeout int // seconds
	MaxBodySizeMB  int
	AllowedOrigins []string
	TrustProxy     bool
	TrustedProxies []string
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type     string // "sqlite" or "postgres"
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	Type string // "none" or "api-key"
}

// CacheConfig holds read cache settings
type CacheConfig struct {
	Enabled    bool
	Type       string // "memory" or "redis"
	RedisURL   string
	TTLSeconds int
	MaxEntries int
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	CleanupMinutes int
	// Verification submissions trigger builds and get their own budget
	BuildsPerMin int
	BuildBurst   int
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled     bool
	ServiceName string
}

// NetworksConfig holds the per-network ledger source settings.
// A network with an empty RPC URL is not indexed.
type NetworksConfig struct {
	MainnetRPC     string
	TestnetRPC     string
	FuturenetRPC   string
	BufferSize     int
	RequestsPerSec int
	FetchTimeout   time.Duration
}

// IndexerConfig holds indexer loop settings
type IndexerConfig struct {
	Enabled      bool
	BatchSize    int
	PollInterval time.Duration
	StartLedgers map[string]uint32
}

// RetryConfig holds the backoff bounds used for transient failures
type RetryConfig struct {
	Enabled      bool
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// SandboxConfig holds build sandbox limits
type SandboxConfig struct {
	WorkDir          string
	ToolchainsFile   string
	CargoPath        string
	CargoRegistry    string
	MaxConcurrent    int
	QueueSize        int
	BuildTimeout     time.Duration
	MaxArchiveMB     int
	MaxUnpackedMB    int
	MaxOutputMB      int
	MaxMemoryMB      int
	MaxLogKB         int
	KeepFailedBuilds bool
}

// VerificationConfig holds verification engine policy
type VerificationConfig struct {
	MismatchIncidents bool
	MismatchCategory  string
}

// IncidentsConfig holds coordinator settings
type IncidentsConfig struct {
	PlaybookFile   string
	WebhookURL     string
	ActionTimeout  time.Duration
	Workers        int
	ResumeInterval time.Duration
}

// NotifyConfig holds incident notification settings
type NotifyConfig struct {
	Type         string // "log", "webhook" or "redis"
	WebhookURL   string
	RedisURL     string
	RedisChannel string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("PORT", 8080),
			Host:           getEnv("HOST", "0.0.0.0"),
			ReadTimeout:    getEnvInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout:   getEnvInt("SERVER_WRITE_TIMEOUT", 660),
			IdleTimeout:    getEnvInt("SERVER_IDLE_TIMEOUT", 120),
			RequestTimeout: getEnvInt("SERVER_REQUEST_TIMEOUT", 30),
			MaxBodySizeMB:  getEnvInt("SERVER_MAX_BODY_SIZE_MB", 32),
			AllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TrustProxy:     getEnvBool("TRUST_PROXY", false),
			TrustedProxies: getEnvStringSlice("TRUSTED_PROXIES", []string{"127.0.0.1", "::1"}),
		},
		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "sqlite"),
			Postgres: PostgresConfig{
				URL: getEnv("DATABASE_URL", ""),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "./data/registry.db"),
			},
		},
		Auth: AuthConfig{
			Type: getEnv("AUTH_TYPE", "none"),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			Type:       getEnv("CACHE_TYPE", "memory"),
			RedisURL:   getEnv("CACHE_REDIS_URL", ""),
			TTLSeconds: getEnvInt("CACHE_TTL_SECONDS", 300),
			MaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 10000),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMin: getEnvInt("RATE_LIMIT_RPM", 300),
			BurstSize:      getEnvInt("RATE_LIMIT_BURST", 50),
			CleanupMinutes: getEnvInt("RATE_LIMIT_CLEANUP_MINUTES", 10),
			BuildsPerMin:   getEnvInt("RATE_LIMIT_BUILDS_PER_MIN", 6),
			BuildBurst:     getEnvInt("RATE_LIMIT_BUILD_BURST", 2),
		},
		Metrics: MetricsConfig{
			Enabled:     getEnvBool("METRICS_ENABLED", true),
			ServiceName: getEnv("METRICS_SERVICE_NAME", "soroban-registry"),
		},
		Networks: NetworksConfig{
			MainnetRPC:     getEnv("MAINNET_RPC_URL", ""),
			TestnetRPC:     getEnv("TESTNET_RPC_URL", ""),
			FuturenetRPC:   getEnv("FUTURENET_RPC_URL", ""),
			BufferSize:     getEnvInt("LEDGER_BUFFER_SIZE", 10),
			RequestsPerSec: getEnvInt("LEDGER_RPC_REQUESTS_PER_SEC", 20),
			FetchTimeout:   getEnvDuration("LEDGER_FETCH_TIMEOUT_SECONDS", 60*time.Second),
		},
		Indexer: IndexerConfig{
			Enabled:      getEnvBool("INDEXER_ENABLED", true),
			BatchSize:    getEnvInt("INDEXER_BATCH_SIZE", 50),
			PollInterval: getEnvDuration("INDEXER_POLL_INTERVAL_SECONDS", 6*time.Second),
			StartLedgers: map[string]uint32{
				"mainnet":   uint32(getEnvInt("INDEXER_START_LEDGER_MAINNET", 0)),
				"testnet":   uint32(getEnvInt("INDEXER_START_LEDGER_TESTNET", 0)),
				"futurenet": uint32(getEnvInt("INDEXER_START_LEDGER_FUTURENET", 0)),
			},
		},
		Retry: RetryConfig{
			Enabled:      getEnvBool("RETRY_ENABLED", true),
			MaxRetries:   getEnvInt("RETRY_MAX_RETRIES", 5),
			InitialDelay: getEnvDuration("RETRY_INITIAL_DELAY_SEC", time.Second),
			MaxDelay:     getEnvDuration("RETRY_MAX_DELAY_SEC", 60*time.Second),
		},
		Sandbox: SandboxConfig{
			WorkDir:          getEnv("SANDBOX_WORK_DIR", os.TempDir()),
			ToolchainsFile:   getEnv("SANDBOX_TOOLCHAINS_FILE", ""),
			CargoPath:        getEnv("SANDBOX_CARGO_PATH", "cargo"),
			CargoRegistry:    getEnv("SANDBOX_CARGO_REGISTRY_DIR", ""),
			MaxConcurrent:    getEnvInt("SANDBOX_MAX_CONCURRENT", 2),
			QueueSize:        getEnvInt("SANDBOX_QUEUE_SIZE", 16),
			BuildTimeout:     getEnvDuration("SANDBOX_BUILD_TIMEOUT_SECONDS", 10*time.Minute),
			MaxArchiveMB:     getEnvInt("SANDBOX_MAX_ARCHIVE_MB", 16),
			MaxUnpackedMB:    getEnvInt("SANDBOX_MAX_UNPACKED_MB", 128),
			MaxOutputMB:      getEnvInt("SANDBOX_MAX_OUTPUT_MB", 4),
			MaxMemoryMB:      getEnvInt("SANDBOX_MAX_MEMORY_MB", 4096),
			MaxLogKB:         getEnvInt("SANDBOX_MAX_LOG_KB", 64),
			KeepFailedBuilds: getEnvBool("SANDBOX_KEEP_FAILED_BUILDS", false),
		},
		Verification: VerificationConfig{
			MismatchIncidents: getEnvBool("VERIFY_MISMATCH_INCIDENTS", true),
			MismatchCategory:  getEnv("VERIFY_MISMATCH_CATEGORY", "other"),
		},
		Incidents: IncidentsConfig{
			PlaybookFile:   getEnv("INCIDENT_PLAYBOOK_FILE", ""),
			WebhookURL:     getEnv("RECOVERY_WEBHOOK_URL", ""),
			ActionTimeout:  getEnvDuration("RECOVERY_ACTION_TIMEOUT_SECONDS", 2*time.Minute),
			Workers:        getEnvInt("INCIDENT_WORKERS", 4),
			ResumeInterval: getEnvDuration("INCIDENT_RESUME_INTERVAL_SECONDS", 30*time.Second),
		},
		Notify: NotifyConfig{
			Type:         getEnv("NOTIFY_TYPE", "log"),
			WebhookURL:   getEnv("NOTIFY_WEBHOOK_URL", ""),
			RedisURL:     getEnv("NOTIFY_REDIS_URL", ""),
			RedisChannel: getEnv("NOTIFY_REDIS_CHANNEL", "registry.incidents"),
		},
	}

	// If DATABASE_URL is set, default to postgres
	if cfg.Storage.Postgres.URL != "" && cfg.Storage.Type == "sqlite" {
		cfg.Storage.Type = "postgres"
	}

	// A Redis URL without an explicit cache type selects the Redis cache
	if cfg.Cache.RedisURL != "" && os.Getenv("CACHE_TYPE") == "" {
		cfg.Cache.Type = "redis"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and numeric bounds.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}
	if c.Storage.Type == "postgres" && c.Storage.Postgres.URL == "" {
		return fmt.Errorf("DATABASE_URL is required for postgres storage")
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache type: %s", c.Cache.Type)
	}
	if c.Cache.Enabled && c.Cache.Type == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("CACHE_REDIS_URL is required for redis cache")
	}
	switch c.Notify.Type {
	case "log":
	case "webhook":
		if c.Notify.WebhookURL == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL is required for webhook notifications")
		}
	case "redis":
		if c.Notify.RedisURL == "" {
			return fmt.Errorf("NOTIFY_REDIS_URL is required for redis notifications")
		}
	default:
		return fmt.Errorf("unknown notify type: %s", c.Notify.Type)
	}
	if c.Indexer.BatchSize <= 0 {
		return fmt.Errorf("INDEXER_BATCH_SIZE must be positive")
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("SANDBOX_MAX_CONCURRENT must be positive")
	}
	if c.Sandbox.QueueSize < 0 {
		return fmt.Errorf("SANDBOX_QUEUE_SIZE must not be negative")
	}
	if c.Incidents.Workers <= 0 {
		return fmt.Errorf("INCIDENT_WORKERS must be positive")
	}
	return nil
}

// RPCURLs returns the configured RPC endpoint per network name.
func (n NetworksConfig) RPCURLs() map[string]string {
	urls := make(map[string]string)
	if n.MainnetRPC != "" {
		urls["mainnet"] = n.MainnetRPC
	}
	if n.TestnetRPC != "" {
		urls["testnet"] = n.TestnetRPC
	}
	if n.FuturenetRPC != "" {
		urls["futurenet"] = n.FuturenetRPC
	}
	return urls
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvDuration reads a whole number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i >= 0 {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
