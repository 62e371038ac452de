package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr              string
	Backend           string
	DBDriver          string
	DBDSN             string
	RedisURL          string
	NATSURL           string
	JWTSecret         string
	SessionTTL        time.Duration
	RecencyRetryDelay time.Duration
	LogLevel          string
	OTLPEndpoint      string
	ServiceName       string
}

var backends = map[string]bool{"memory": true, "sql": true, "redis": true, "nats": true}

// Load reads .env files when present and then the process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	cfg := Config{
		Addr:         getenv("ADDR", ":8080"),
		Backend:      getenv("CHAT_BACKEND", "sql"),
		DBDriver:     getenv("DB_DRIVER", "sqlite3"),
		DBDSN:        getenv("DB_DSN", "duochat.db"),
		RedisURL:     getenv("REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:      getenv("NATS_URL", "nats://localhost:4222"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  getenv("OTEL_SERVICE_NAME", "duochat"),
	}

	var err error
	if cfg.SessionTTL, err = duration("SESSION_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.RecencyRetryDelay, err = duration("RECENCY_RETRY_DELAY", 200*time.Millisecond); err != nil {
		return Config{}, err
	}

	if !backends[cfg.Backend] {
		return Config{}, fmt.Errorf("config: unknown CHAT_BACKEND %q", cfg.Backend)
	}
	if cfg.DBDriver != "sqlite3" && cfg.DBDriver != "postgres" {
		return Config{}, fmt.Errorf("config: unknown DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}
