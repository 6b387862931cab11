package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Backend != "sqlite" {
		t.Errorf("default backend = %q, want sqlite", cfg.Backend)
	}
	if cfg.SQLitePath != "./car_scraping.db" {
		t.Errorf("default sqlite path = %q", cfg.SQLitePath)
	}
	if cfg.Workers != 4 {
		t.Errorf("default workers = %d, want 4", cfg.Workers)
	}
	if cfg.LockWaitMs != 5000 {
		t.Errorf("default lock wait = %d, want 5000", cfg.LockWaitMs)
	}
	if cfg.MetricsPort != 0 {
		t.Errorf("metrics port enabled by default: %d", cfg.MetricsPort)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("INGEST_WORKERS", "16")
	t.Setenv("LOCK_WAIT_MS", "not-a-number")

	cfg := Load()

	if cfg.Backend != "postgres" {
		t.Errorf("backend = %q, want postgres", cfg.Backend)
	}
	if cfg.PostgresHost != "db.internal" {
		t.Errorf("host = %q", cfg.PostgresHost)
	}
	if cfg.Workers != 16 {
		t.Errorf("workers = %d, want 16", cfg.Workers)
	}
	// Unparseable numbers fall back to the default.
	if cfg.LockWaitMs != 5000 {
		t.Errorf("lock wait = %d, want fallback 5000", cfg.LockWaitMs)
	}
}

func TestDSN(t *testing.T) {
	cfg := &Config{
		PostgresHost:     "localhost",
		PostgresPort:     "5432",
		PostgresUser:     "scraper",
		PostgresPassword: "pw",
		PostgresDB:       "car_scraping",
		PostgresSSLMode:  "disable",
	}

	want := "host=localhost port=5432 user=scraper password=pw dbname=car_scraping sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
