package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected database defaults %q %q", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.PresenceTTL != 90*time.Second || cfg.CursorTTL != 60*time.Second || cfg.LockTTL != 30*time.Second {
		testContext.Fatalf("unexpected ttl defaults %v %v %v", cfg.PresenceTTL, cfg.CursorTTL, cfg.LockTTL)
	}
	if cfg.RecentLimit != 10 || cfg.ArchiveInterval != 5*time.Minute {
		testContext.Fatalf("unexpected history defaults %d %v", cfg.RecentLimit, cfg.ArchiveInterval)
	}
	if cfg.RedisEnabled() {
		testContext.Fatalf("redis must be disabled without an address")
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("WIKICOLLAB_AUTH_SIGNING_SECRET", "from-env")
	testContext.Setenv("WIKICOLLAB_REDIS_ADDRESS", "localhost:6379")
	testContext.Setenv("WIKICOLLAB_LOCK_TTL_SECONDS", "12")
	testContext.Setenv("WIKICOLLAB_WEBSOCKET_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.SessionSigningSecret != "from-env" || !cfg.RedisEnabled() {
		testContext.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.LockTTL != 12*time.Second {
		testContext.Fatalf("unexpected lock ttl %v", cfg.LockTTL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		testContext.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(testContext *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		contains string
	}{
		{name: "missing secret", settings: map[string]any{}, contains: "auth.signing_secret"},
		{name: "postgres without dsn", settings: map[string]any{"database.driver": "postgres"}, contains: "database.dsn"},
		{name: "unknown driver", settings: map[string]any{"database.driver": "oracle"}, contains: "not supported"},
		{name: "zero lock ttl", settings: map[string]any{"lock.ttl_seconds": 0}, contains: "ttl"},
		{name: "zero recent limit", settings: map[string]any{"history.recent_limit": 0}, contains: "recent_limit"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			configViper := NewViper()
			if testCase.name != "missing secret" {
				configViper.Set("auth.signing_secret", "secret")
			}
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.contains) {
				testContext.Fatalf("expected error containing %q, got %v", testCase.contains, err)
			}
		})
	}
}
