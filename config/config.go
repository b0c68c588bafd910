package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Poll     PollConfig
	WS       WSConfig
	Export   ExportConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// StoreConfig selects the shared store backend.
type StoreConfig struct {
	Driver     string
	SQLitePath string
	// Namespace prefixes Redis keys and the change channel.
	Namespace string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// PollConfig tunes poll and presence timers.
type PollConfig struct {
	DefaultTimeLimit   int
	CountdownTick      time.Duration
	PresenceHeartbeat  time.Duration
	PresenceStaleAfter time.Duration
}

// WSConfig limits inbound WebSocket commands per connection.
type WSConfig struct {
	RateLimit float64
	RateBurst int
}

// ExportConfig turns on queuing of archived results for the S3 export worker.
type ExportConfig struct {
	Enabled bool
}

// AWSConfig holds AWS credentials and the export bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Bucket               string
	Prefix               string
	Endpoint             string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(getEnv("STORE_DRIVER", DriverMemory)),
			SQLitePath: getEnv("SQLITE_PATH", "data/livepoll.db"),
			Namespace:  getEnv("STORE_NAMESPACE", "livepoll"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "livepoll"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Poll: PollConfig{
			DefaultTimeLimit:   getEnvInt("POLL_DEFAULT_TIME_LIMIT", 60),
			CountdownTick:      getEnvDuration("COUNTDOWN_TICK", time.Second),
			PresenceHeartbeat:  getEnvDuration("PRESENCE_HEARTBEAT", 10*time.Second),
			PresenceStaleAfter: getEnvDuration("PRESENCE_STALE_AFTER", 30*time.Second),
		},
		WS: WSConfig{
			RateLimit: getEnvFloat("WS_RATE_LIMIT", 5),
			RateBurst: getEnvInt("WS_RATE_BURST", 10),
		},
		Export: ExportConfig{
			Enabled: getEnvBool("EXPORT_ENABLED", false),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:               getEnv("AWS_S3_RESULTS_BUCKET", "livepoll-results"),
			Prefix:               getEnv("AWS_S3_RESULTS_PREFIX", "results"),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverRedis, DriverPostgres:
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Store.Driver == DriverSQLite && c.Store.SQLitePath == "" {
		problems = append(problems, "SQLITE_PATH is required for the sqlite driver")
	}
	if c.JWT.ExpireHours <= 0 {
		problems = append(problems, "JWT_EXPIRE_HOURS must be positive")
	}
	if c.Poll.DefaultTimeLimit <= 0 {
		problems = append(problems, "POLL_DEFAULT_TIME_LIMIT must be positive")
	}
	if c.Poll.CountdownTick <= 0 {
		problems = append(problems, "COUNTDOWN_TICK must be positive")
	}
	if c.Poll.PresenceStaleAfter > 0 && c.Poll.PresenceStaleAfter <= c.Poll.PresenceHeartbeat {
		problems = append(problems, "PRESENCE_STALE_AFTER must exceed PRESENCE_HEARTBEAT")
	}
	if c.WS.RateLimit < 0 {
		problems = append(problems, "WS_RATE_LIMIT must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("1s", "250ms") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
