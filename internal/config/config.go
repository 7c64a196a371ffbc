package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Sync          SyncConfig
	Store         StoreConfig
	Relay         RelayConfig
	Observability ObservabilityConfig
}

// SyncConfig configures the client engine.
type SyncConfig struct {
	Endpoint   string
	Identity   string
	Credential string

	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	QueueTTL             time.Duration

	// RetryInterval is how long the daemon waits before calling Connect
	// again after the manager gave up.
	RetryInterval time.Duration
}

type StoreConfig struct {
	Driver string
	// DSN overrides the DB_* parts. For sqlite it is the database file path.
	DSN string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
}

type RelayConfig struct {
	Host string
	Port string

	// Worker pool configuration
	PersistWorkers   int
	PersistQueueSize int

	EventRetention time.Duration
}

type ObservabilityConfig struct {
	JaegerEndpoint string
	StatusAddr     string
	LogLevel       string
	LogFormat      string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Sync: SyncConfig{
			Endpoint:             getEnv("SYNC_ENDPOINT", "ws://localhost:8080/ws"),
			Identity:             getEnv("SYNC_IDENTITY", ""),
			Credential:           getEnv("SYNC_CREDENTIAL", ""),
			ConnectTimeout:       getEnvDuration("SYNC_CONNECT_TIMEOUT", 10*time.Second),
			HeartbeatInterval:    getEnvDuration("SYNC_HEARTBEAT_INTERVAL", 30*time.Second),
			ReconnectBase:        getEnvDuration("SYNC_RECONNECT_BASE", time.Second),
			ReconnectCap:         getEnvDuration("SYNC_RECONNECT_CAP", 30*time.Second),
			MaxReconnectAttempts: getEnvInt("SYNC_MAX_RECONNECT_ATTEMPTS", 5),
			QueueTTL:             getEnvDuration("SYNC_QUEUE_TTL", 7*24*time.Hour),
			RetryInterval:        getEnvDuration("SYNC_RETRY_INTERVAL", time.Minute),
		},
		Store: StoreConfig{
			Driver:     getEnv("STORE_DRIVER", DriverSQLite),
			DSN:        getEnv("STORE_DSN", "practice-sync.db"),
			DBHost:     getEnv("DB_HOST", "localhost"),
			DBPort:     getEnv("DB_PORT", "5432"),
			DBUser:     getEnv("DB_USER", "postgres"),
			DBPassword: getEnv("DB_PASSWORD", "postgres"),
			DBName:     getEnv("DB_NAME", "practice_sync"),
			DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Relay: RelayConfig{
			Host:             getEnv("SERVER_HOST", "localhost"),
			Port:             getEnv("SERVER_PORT", "8080"),
			PersistWorkers:   getEnvInt("PERSIST_WORKERS", 4),
			PersistQueueSize: getEnvInt("PERSIST_QUEUE_SIZE", 256),
			EventRetention:   getEnvDuration("EVENT_RETENTION", 30*24*time.Hour),
		},
		Observability: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
			StatusAddr:     getEnv("STATUS_ADDR", "localhost:9091"),
			LogLevel:       getEnv("LOGGING_LEVEL", "INFO"),
			LogFormat:      getEnv("LOGGING_FORMAT", "CONSOLE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of sqlite, postgres, memory (got %q)", c.Store.Driver)
	}
	if c.Sync.ReconnectBase <= 0 || c.Sync.ReconnectCap < c.Sync.ReconnectBase {
		return fmt.Errorf("SYNC_RECONNECT_CAP (%s) must be at least SYNC_RECONNECT_BASE (%s)", c.Sync.ReconnectCap, c.Sync.ReconnectBase)
	}
	if c.Sync.MaxReconnectAttempts < 0 {
		return errors.New("SYNC_MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.Relay.PersistWorkers < 1 {
		return errors.New("PERSIST_WORKERS must be at least 1")
	}
	return nil
}

// ValidateClient checks the settings the sync daemon cannot start without.
func (c *Config) ValidateClient() error {
	if c.Sync.Identity == "" {
		return errors.New("SYNC_IDENTITY is required")
	}
	if c.Sync.Endpoint == "" {
		return errors.New("SYNC_ENDPOINT is required")
	}
	return nil
}

// DatabaseURL returns the DSN for the configured driver.
func (c *Config) DatabaseURL() string {
	if c.Store.Driver == DriverPostgres && (c.Store.DSN == "" || c.Store.DSN == "practice-sync.db") {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			c.Store.DBHost, c.Store.DBPort, c.Store.DBUser, c.Store.DBPassword, c.Store.DBName, c.Store.DBSSLMode)
	}
	return c.Store.DSN
}

// RelayAddr is the listen address of the relay server.
func (c *Config) RelayAddr() string {
	return fmt.Sprintf("%s:%s", c.Relay.Host, c.Relay.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
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
