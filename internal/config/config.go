package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mohammadhprp/admission/internal/limiter"
)

// Store backends
const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
)

// Config holds application configuration sourced from environment variables.
type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	Store        StoreConfig
	Log          LogConfig
	Admin        AdminConfig
	Limits       LimitsConfig
	Transactions TransactionsConfig
	ClientLimit  ClientLimitConfig
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// ServerConfig contains HTTP and gRPC server settings
type ServerConfig struct {
	Host            string
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration
}

// StoreConfig selects the counter store backend
type StoreConfig struct {
	Backend string // memory, redis
}

// AdminConfig contains settings of the admin surface
type AdminConfig struct {
	Token string
	RPS   float64
	Burst int
}

// LimitsConfig points at the optional YAML file of default parameters
type LimitsConfig struct {
	File     string
	Debounce time.Duration
}

// TransactionsConfig contains settings of the transaction recorder
type TransactionsConfig struct {
	DBPath    string
	Retention time.Duration
	Schedule  string
}

// ClientLimitConfig enables a per-client limit on the transaction route.
// An empty Algorithm disables it. Clients are keyed by Header when set,
// by IP address otherwise.
type ClientLimitConfig struct {
	Algorithm string
	Header    string
}

// Load reads environment variables into Config. It expects godotenv to have been
// executed by the caller when needed (e.g. in development).
func Load() Config {
	server := ServerConfig{
		Host:            getEnv("APP_HOST", "0.0.0.0"),
		Port:            getEnvAsInt("APP_PORT", 3000),
		GRPCPort:        getEnvAsInt("APP_GRPC_PORT", 50051),
		ReadTimeout:     getEnvAsDuration("APP_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getEnvAsDuration("APP_WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:     getEnvAsDuration("APP_IDLE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getEnvAsDuration("APP_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	redis := RedisConfig{
		Host:      getEnv("REDIS_HOST", "localhost"),
		Port:      getEnvAsInt("REDIS_PORT", 6379),
		Password:  getEnv("REDIS_PASSWORD", ""),
		DB:        getEnvAsInt("REDIS_DB", 0),
		PoolSize:  getEnvAsInt("REDIS_POOL_SIZE", 10),
		OpTimeout: getEnvAsDuration("REDIS_OP_TIMEOUT", 500*time.Millisecond),
	}

	store := StoreConfig{
		Backend: getEnv("STORE_BACKEND", StoreBackendRedis),
	}

	log := LogConfig{
		Level:  getEnv("LOG_LEVEL", "debug"),
		Format: getEnv("LOG_FORMAT", "console"),
	}

	admin := AdminConfig{
		Token: getEnv("ADMIN_TOKEN", ""),
		RPS:   getEnvAsFloat("ADMIN_RPS", 5),
		Burst: getEnvAsInt("ADMIN_BURST", 10),
	}

	limits := LimitsConfig{
		File:     getEnv("LIMITS_FILE", ""),
		Debounce: getEnvAsDuration("LIMITS_DEBOUNCE", 100*time.Millisecond),
	}

	transactions := TransactionsConfig{
		DBPath:    getEnv("TRANSACTIONS_DB", "transactions.db"),
		Retention: getEnvAsDuration("TRANSACTIONS_RETENTION", 7*24*time.Hour),
		Schedule:  getEnv("TRANSACTIONS_PRUNE_SCHEDULE", "@every 1h"),
	}

	clientLimit := ClientLimitConfig{
		Algorithm: getEnv("CLIENT_LIMIT_ALGORITHM", ""),
		Header:    getEnv("CLIENT_LIMIT_HEADER", ""),
	}

	cfg := Config{
		Server:       server,
		Redis:        redis,
		Store:        store,
		Log:          log,
		Admin:        admin,
		Limits:       limits,
		Transactions: transactions,
		ClientLimit:  clientLimit,
	}

	return cfg
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendMemory, StoreBackendRedis:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q (want %s or %s)", c.Store.Backend, StoreBackendMemory, StoreBackendRedis)
	}
	if c.Admin.RPS <= 0 || c.Admin.Burst <= 0 {
		return fmt.Errorf("ADMIN_RPS and ADMIN_BURST must be greater than 0")
	}
	if c.Transactions.Retention <= 0 {
		return fmt.Errorf("TRANSACTIONS_RETENTION must be greater than 0")
	}
	if c.ClientLimit.Algorithm != "" {
		if _, err := limiter.ParseAlgorithm(c.ClientLimit.Algorithm); err != nil {
			return fmt.Errorf("CLIENT_LIMIT_ALGORITHM: %w", err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}

	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	dur, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return dur
}

// LoadDotEnv loads .env from the working directory when present.
func LoadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("warning: could not load .env: %v", err)
		}
	}
}

// RedisAddr returns the Redis address in host:port format
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ServerAddr returns the HTTP server address in host:port format
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GRPCAddr returns the gRPC server address in host:port format
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}
