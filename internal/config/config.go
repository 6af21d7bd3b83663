package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "WIKICOLLAB"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabasePath     = "wikicollab.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultCookieName       = "wiki_session"
	defaultIssuer           = "wikicollab"
	defaultPresenceTTL      = 90
	defaultCursorTTL        = 60
	defaultLockTTL          = 30
	defaultRecentLimit      = 10
	defaultArchiveInterval  = 300
	defaultArchiveBatchSize = 100
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	PresenceTTL time.Duration
	CursorTTL   time.Duration
	LockTTL     time.Duration

	RecentLimit      int
	ArchiveInterval  time.Duration
	ArchiveBatchSize int

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string

	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("presence.ttl_seconds", defaultPresenceTTL)
	configViper.SetDefault("cursor.ttl_seconds", defaultCursorTTL)
	configViper.SetDefault("lock.ttl_seconds", defaultLockTTL)
	configViper.SetDefault("history.recent_limit", defaultRecentLimit)
	configViper.SetDefault("history.archive_interval_seconds", defaultArchiveInterval)
	configViper.SetDefault("history.archive_batch_size", defaultArchiveBatchSize)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("websocket.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		RedisAddress:         strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:        configViper.GetString("redis.password"),
		RedisDB:              configViper.GetInt("redis.db"),
		PresenceTTL:          seconds(configViper, "presence.ttl_seconds"),
		CursorTTL:            seconds(configViper, "cursor.ttl_seconds"),
		LockTTL:              seconds(configViper, "lock.ttl_seconds"),
		RecentLimit:          configViper.GetInt("history.recent_limit"),
		ArchiveInterval:      seconds(configViper, "history.archive_interval_seconds"),
		ArchiveBatchSize:     configViper.GetInt("history.archive_batch_size"),
		SessionSigningSecret: configViper.GetString("auth.signing_secret"),
		SessionIssuer:        configViper.GetString("auth.issuer"),
		SessionCookieName:    configViper.GetString("auth.cookie_name"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("websocket.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RedisEnabled reports whether presence, locks, and broadcast use Redis.
func (c AppConfig) RedisEnabled() bool {
	return c.RedisAddress != ""
}

func seconds(configViper *viper.Viper, key string) time.Duration {
	return time.Duration(configViper.GetInt64(key)) * time.Second
}

// splitList accepts both repeated values and a single comma-separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.PresenceTTL <= 0 || c.CursorTTL <= 0 || c.LockTTL <= 0 {
		return fmt.Errorf("presence, cursor, and lock ttl must be positive")
	}
	if c.RecentLimit <= 0 {
		return fmt.Errorf("history.recent_limit must be positive")
	}
	if c.ArchiveInterval <= 0 {
		return fmt.Errorf("history.archive_interval_seconds must be positive")
	}
	if c.ArchiveBatchSize <= 0 {
		return fmt.Errorf("history.archive_batch_size must be positive")
	}
	return nil
}
