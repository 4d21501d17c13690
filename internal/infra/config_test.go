package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaultStorageBaseURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("PORT", "")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:8080/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
}

func TestLoadConfigInheritsPortInStorageBaseURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("PORT", "1919")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:1919/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
}

func TestLoadConfigRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "firestore")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestLoadConfigPipelineDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("GEN_MAX_WAIT_MS", "")
	t.Setenv("JOB_MAX_RETRIES", "")
	t.Setenv("LOCK_TTL_MS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.GenMaxWait != 30*time.Second {
		t.Fatalf("GenMaxWait mismatch: got %s want 30s", cfg.GenMaxWait)
	}
	if cfg.JobMaxRetries != 3 {
		t.Fatalf("JobMaxRetries mismatch: got %d want 3", cfg.JobMaxRetries)
	}
	if cfg.LockTTL != 30*time.Second {
		t.Fatalf("LockTTL mismatch: got %s want 30s", cfg.LockTTL)
	}
	for _, name := range DefaultQueueNames {
		if _, ok := cfg.Queues[name]; !ok {
			t.Fatalf("missing queue config for %q", name)
		}
	}
}

func TestLoadConfigQueueOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUEUE_IMAGE_GENERATION_CONCURRENCY", "3")
	t.Setenv("QUEUE_IMAGE_GENERATION_TIMEOUT_MS", "1500")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, http://localhost:3000 ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	q := cfg.Queues["image-generation"]
	if q.Concurrency != 3 {
		t.Fatalf("Concurrency mismatch: got %d want 3", q.Concurrency)
	}
	if q.Timeout != 1500*time.Millisecond {
		t.Fatalf("Timeout mismatch: got %s want 1.5s", q.Timeout)
	}
	expected := []string{"https://app.example.com", "http://localhost:3000"}
	if len(cfg.CORSAllowedOrigins) != len(expected) {
		t.Fatalf("CORSAllowedOrigins mismatch: got %#v want %#v", cfg.CORSAllowedOrigins, expected)
	}
	for i, origin := range expected {
		if cfg.CORSAllowedOrigins[i] != origin {
			t.Fatalf("CORSAllowedOrigins[%d] = %q, want %q", i, cfg.CORSAllowedOrigins[i], origin)
		}
	}
}

func TestLoadConfigRejectsNonPositiveWindowLimit(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	for _, v := range []string{"0", "-3"} {
		t.Setenv("GEN_WINDOW_LIMIT", v)
		if _, err := LoadConfig(); err == nil {
			t.Fatalf("expected error for GEN_WINDOW_LIMIT=%s", v)
		}
	}
}
