package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var keys = []string{
	"ADDR", "CHAT_BACKEND", "DB_DRIVER", "DB_DSN", "REDIS_URL", "NATS_URL", "JWT_SECRET",
	"SESSION_TTL", "RECENCY_RETRY_DELAY", "LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
}

// clearEnv unsets every key for the duration of the test. godotenv does not
// override variables that are already set.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Backend != "sql" || cfg.DBDriver != "sqlite3" {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
	if cfg.SessionTTL != 24*time.Hour || cfg.RecencyRetryDelay != 200*time.Millisecond {
		t.Errorf("Unexpected duration defaults %+v", cfg)
	}
	if cfg.ServiceName != "duochat" || cfg.OTLPEndpoint != "" {
		t.Errorf("Unexpected telemetry defaults %+v", cfg)
	}
}

func TestEnvFile(t *testing.T) {
	clearEnv(t)
	file := filepath.Join(t.TempDir(), ".env")
	content := "JWT_SECRET=from-file\nCHAT_BACKEND=redis\nSESSION_TTL=90m\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHAT_BACKEND", "nats")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.JWTSecret != "from-file" {
		t.Errorf("Expected secret from file, got %q", cfg.JWTSecret)
	}
	if cfg.Backend != "nats" {
		t.Errorf("Expected the environment to win over the file, got %q", cfg.Backend)
	}
	if cfg.SessionTTL != 90*time.Minute {
		t.Errorf("Expected 90m, got %v", cfg.SessionTTL)
	}
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"unknown backend", map[string]string{"JWT_SECRET": "x", "CHAT_BACKEND": "mongo"}},
		{"unknown driver", map[string]string{"JWT_SECRET": "x", "DB_DRIVER": "mysql"}},
		{"bad ttl", map[string]string{"JWT_SECRET": "x", "SESSION_TTL": "soon"}},
		{"negative delay", map[string]string{"JWT_SECRET": "x", "RECENCY_RETRY_DELAY": "-1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}
