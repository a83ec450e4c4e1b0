package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("TURING_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid TURING_PORT")
	}
	if got := err.Error(); !contains(got, "TURING_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention TURING_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("TURING_PORT", "abc")
	t.Setenv("TURING_RATE_LIMIT_BURST", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "TURING_PORT") {
		t.Fatalf("error should mention TURING_PORT, got: %s", got)
	}
	if !contains(got, "TURING_RATE_LIMIT_BURST") {
		t.Fatalf("error should mention TURING_RATE_LIMIT_BURST, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.RateLimitPerMinute != 120 {
		t.Fatalf("expected default rate limit 120, got %d", cfg.RateLimitPerMinute)
	}
	if cfg.RateLimitBurst != 30 {
		t.Fatalf("expected default rate limit burst 30, got %d", cfg.RateLimitBurst)
	}
	if cfg.MaxRequestBodyBytes != 1*1024*1024 {
		t.Fatalf("expected default max body 1MiB, got %d", cfg.MaxRequestBodyBytes)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestLoad_JWTKeyPathValidation(t *testing.T) {
	bogusPath := "/tmp/turing-test-nonexistent-key-file.pem"
	t.Setenv("TURING_JWT_PRIVATE_KEY", bogusPath)

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when TURING_JWT_PRIVATE_KEY points to a nonexistent file")
	}
	got := err.Error()
	if !contains(got, bogusPath) {
		t.Fatalf("error should mention the path %q, got: %s", bogusPath, got)
	}
	if !contains(got, "TURING_JWT_PRIVATE_KEY") {
		t.Fatalf("error should mention TURING_JWT_PRIVATE_KEY, got: %s", got)
	}
}

func TestLoad_JWTKeysEmptySucceeds(t *testing.T) {
	t.Setenv("TURING_JWT_PRIVATE_KEY", "")
	t.Setenv("TURING_JWT_PUBLIC_KEY", "")

	_, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with both keys empty (ephemeral mode), got: %v", err)
	}
}

func TestLoad_JWTKeyRejectsWorldReadableFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "turing-key-*.pem")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString("not a real key"); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		t.Fatalf("chmod temp file: %v", err)
	}

	t.Setenv("TURING_JWT_PRIVATE_KEY", f.Name())
	_, err = Load()
	if err == nil {
		t.Fatal("expected Load() to fail for a world-readable key file")
	}
	if !contains(err.Error(), "overly permissive mode") {
		t.Fatalf("error should mention permissive mode, got: %s", err.Error())
	}
}

func TestLoad_OTELEndpointParsing(t *testing.T) {
	endpoint := "https://otel.example.com:4317"
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if cfg.OTELEndpoint != endpoint {
		t.Fatalf("expected OTELEndpoint %q, got %q", endpoint, cfg.OTELEndpoint)
	}
}

func TestLoad_AllEnvVarsHonored(t *testing.T) {
	t.Setenv("TURING_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/testdb")
	t.Setenv("NOTIFY_URL", "postgres://test:test@db:5432/testdb_notify")
	t.Setenv("TURING_JWT_EXPIRATION", "12h")
	t.Setenv("TURING_SCOPED_TOKEN_MAX_TTL", "30m")
	t.Setenv("TURING_RISK_CLIENT_URL", "http://risk.internal:9100")
	t.Setenv("TURING_RISK_CLIENT_TIMEOUT", "3s")
	t.Setenv("OTEL_SERVICE_NAME", "turing-orchestrate-test")
	t.Setenv("TURING_LOG_LEVEL", "debug")
	t.Setenv("TURING_RATE_LIMIT_PER_MINUTE", "50")
	t.Setenv("TURING_RATE_LIMIT_BURST", "100")
	t.Setenv("TURING_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("TURING_INTEGRITY_PROOF_INTERVAL", "10m")
	t.Setenv("TURING_IDEMPOTENCY_IN_PROGRESS_TTL", "6m")
	t.Setenv("TURING_IDEMPOTENCY_COMPLETED_TTL", "72h")
	t.Setenv("TURING_MAX_REQUEST_BODY_BYTES", "2097152")
	t.Setenv("TURING_READ_TIMEOUT", "15s")
	t.Setenv("TURING_WRITE_TIMEOUT", "20s")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}

	if cfg.Port != 9090 {
		t.Fatalf("expected Port 9090, got %d", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://test:test@db:5432/testdb" {
		t.Fatalf("expected DatabaseURL %q, got %q", "postgres://test:test@db:5432/testdb", cfg.DatabaseURL)
	}
	if cfg.NotifyURL != "postgres://test:test@db:5432/testdb_notify" {
		t.Fatalf("expected NotifyURL %q, got %q", "postgres://test:test@db:5432/testdb_notify", cfg.NotifyURL)
	}
	if cfg.JWTExpiration != 12*time.Hour {
		t.Fatalf("expected JWTExpiration 12h, got %s", cfg.JWTExpiration)
	}
	if cfg.ScopedTokenMaxTTL != 30*time.Minute {
		t.Fatalf("expected ScopedTokenMaxTTL 30m, got %s", cfg.ScopedTokenMaxTTL)
	}
	if cfg.RiskClientURL != "http://risk.internal:9100" {
		t.Fatalf("expected RiskClientURL %q, got %q", "http://risk.internal:9100", cfg.RiskClientURL)
	}
	if cfg.RiskClientTimeout != 3*time.Second {
		t.Fatalf("expected RiskClientTimeout 3s, got %s", cfg.RiskClientTimeout)
	}
	if cfg.ServiceName != "turing-orchestrate-test" {
		t.Fatalf("expected ServiceName %q, got %q", "turing-orchestrate-test", cfg.ServiceName)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected LogLevel %q, got %q", "debug", cfg.LogLevel)
	}
	if cfg.RateLimitPerMinute != 50 {
		t.Fatalf("expected RateLimitPerMinute 50, got %d", cfg.RateLimitPerMinute)
	}
	if cfg.RateLimitBurst != 100 {
		t.Fatalf("expected RateLimitBurst 100, got %d", cfg.RateLimitBurst)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("expected 2 CORS origins, got %d", len(cfg.CORSAllowedOrigins))
	}
	if cfg.CORSAllowedOrigins[0] != "https://a.example.com" {
		t.Fatalf("expected first CORS origin %q, got %q", "https://a.example.com", cfg.CORSAllowedOrigins[0])
	}
	if cfg.CORSAllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("expected second CORS origin %q, got %q", "https://b.example.com", cfg.CORSAllowedOrigins[1])
	}
	if cfg.IntegrityProofInterval != 10*time.Minute {
		t.Fatalf("expected IntegrityProofInterval 10m, got %s", cfg.IntegrityProofInterval)
	}
	if cfg.IdempotencyInProgressTTL != 6*time.Minute {
		t.Fatalf("expected IdempotencyInProgressTTL 6m, got %s", cfg.IdempotencyInProgressTTL)
	}
	if cfg.IdempotencyCompletedTTL != 72*time.Hour {
		t.Fatalf("expected IdempotencyCompletedTTL 72h, got %s", cfg.IdempotencyCompletedTTL)
	}
	if cfg.MaxRequestBodyBytes != 2097152 {
		t.Fatalf("expected MaxRequestBodyBytes 2097152, got %d", cfg.MaxRequestBodyBytes)
	}
	if cfg.ReadTimeout != 15*time.Second {
		t.Fatalf("expected ReadTimeout 15s, got %s", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout != 20*time.Second {
		t.Fatalf("expected WriteTimeout 20s, got %s", cfg.WriteTimeout)
	}
	if !cfg.OTELInsecure {
		t.Fatal("expected OTELInsecure true")
	}
}

func TestValidate_RejectsNonPositiveFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero port", Config{DatabaseURL: "x", MaxRequestBodyBytes: 1, Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second, RiskClientTimeout: time.Second, IntegrityProofInterval: time.Second, ScopedTokenMaxTTL: time.Second, RateLimitPerMinute: 1, RateLimitBurst: 1}},
		{"negative rate limit burst", Config{DatabaseURL: "x", MaxRequestBodyBytes: 1, Port: 8080, ReadTimeout: time.Second, WriteTimeout: time.Second, RiskClientTimeout: time.Second, IntegrityProofInterval: time.Second, ScopedTokenMaxTTL: time.Second, RateLimitPerMinute: 1, RateLimitBurst: -1}},
		{"missing database url", Config{MaxRequestBodyBytes: 1, Port: 8080, ReadTimeout: time.Second, WriteTimeout: time.Second, RiskClientTimeout: time.Second, IntegrityProofInterval: time.Second, ScopedTokenMaxTTL: time.Second, RateLimitPerMinute: 1, RateLimitBurst: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Fatal("expected Validate() to fail")
			}
		})
	}
}
