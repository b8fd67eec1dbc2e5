package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Logging  LoggingConfig
	Cache    CacheConfig
	Sync     SyncConfig
	Provider ProviderConfig
}

// ServerConfig holds server specific configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database specific configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// KafkaConfig holds Kafka specific configuration. An empty broker list
// disables publishing entirely.
type KafkaConfig struct {
	Brokers []string
	Topics  map[string]string
}

// LoggingConfig holds logging specific configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// CacheConfig bounds the in-process reference-data cache.
type CacheConfig struct {
	MaxBytes    int64
	CalendarTTL time.Duration
	StockTTL    time.Duration
	LastSyncTTL time.Duration
}

// SyncConfig carries the sync engine tunables.
type SyncConfig struct {
	MaxWorkers        int
	BatchSize         int
	FetchTimeout      time.Duration
	RunBudget         time.Duration
	StaleAfter        time.Duration
	GapLookbackDays   int
	GapRepairCap      int
	BulkPendingMin    int
	BulkTotalMin      int
	ValidationDays    int
	Frequencies       []string
	StorageErrorAbort int
}

// ProviderConfig holds connection-level provider tunables and the set of
// configured upstream sources.
type ProviderConfig struct {
	SessionTimeout      time.Duration
	HealthCheckInterval time.Duration
	LockTimeout         time.Duration
	Sources             []ProviderSource
}

// ProviderSource describes one upstream data source endpoint.
type ProviderSource struct {
	Name      string
	BaseURL   string
	Priority  int
	Exclusive bool
	Timeout   time.Duration

	// Capability flags.
	DailyBars             bool
	FinancialSnapshot     bool
	BulkFinancialSnapshot bool
	Valuation             bool
	Calendar              bool
	StockList             bool
}

// LoadConfig loads the configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment variables override
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.readTimeout", "10s")
	v.SetDefault("server.writeTimeout", "10s")
	v.SetDefault("server.idleTimeout", "120s")

	// Database defaults
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", "30m")

	// Kafka topic defaults
	v.SetDefault("kafka.topics.syncReports", "sync-reports")
	v.SetDefault("kafka.topics.syncEvents", "sync-events")

	// Cache defaults
	v.SetDefault("cache.maxBytes", 64<<20)
	v.SetDefault("cache.calendarTTL", "168h")
	v.SetDefault("cache.stockTTL", "24h")
	v.SetDefault("cache.lastSyncTTL", "60s")

	// Sync defaults
	v.SetDefault("sync.maxWorkers", 3)
	v.SetDefault("sync.batchSize", 100)
	v.SetDefault("sync.fetchTimeout", "30s")
	v.SetDefault("sync.runBudget", "0")
	v.SetDefault("sync.staleAfter", "24h")
	v.SetDefault("sync.gapLookbackDays", 30)
	v.SetDefault("sync.gapRepairCap", 10)
	v.SetDefault("sync.bulkPendingMin", 50)
	v.SetDefault("sync.bulkTotalMin", 500)
	v.SetDefault("sync.validationDays", 7)
	v.SetDefault("sync.frequencies", []string{"1d"})
	v.SetDefault("sync.storageErrorAbort", 5)

	// Provider defaults
	v.SetDefault("provider.sessionTimeout", "10m")
	v.SetDefault("provider.healthCheckInterval", "60s")
	v.SetDefault("provider.lockTimeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
