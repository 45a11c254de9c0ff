package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "DEALROOM"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "dealroom.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "app_session"
	defaultIssuer             = "tauth"
	defaultDraftRetention     = 30 * 24 * time.Hour
	defaultDraftSweepInterval = time.Hour
	defaultRedisLockTTL       = 30 * time.Second
)

// Keys shared by flags, env bindings and config files.
const (
	KeyHTTPAddress        = "http.address"
	KeyDatabasePath       = "database.path"
	KeyLogLevel           = "log.level"
	KeyTAuthSigningSecret = "tauth.signing_secret"
	KeyTAuthCookieName    = "tauth.cookie_name"
	KeyTAuthIssuer        = "tauth.issuer"
	KeyDraftRetention     = "drafts.retention"
	KeyDraftSweepInterval = "drafts.sweep_interval"
	KeyRedisURL           = "redis.url"
	KeyRedisLockTTL       = "redis.lock_ttl"
	KeyCORSOrigins        = "cors.allowed_origins"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	TAuthSigningKey    string
	TAuthCookieName    string
	TAuthIssuer        string
	DraftRetention     time.Duration
	DraftSweepInterval time.Duration
	// RedisURL selects the shared publish lock; empty keeps the lock in-process.
	RedisURL       string
	RedisLockTTL   time.Duration
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

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyTAuthCookieName, defaultCookieName)
	configViper.SetDefault(KeyTAuthIssuer, defaultIssuer)
	configViper.SetDefault(KeyDraftRetention, defaultDraftRetention)
	configViper.SetDefault(KeyDraftSweepInterval, defaultDraftSweepInterval)
	configViper.SetDefault(KeyRedisURL, "")
	configViper.SetDefault(KeyRedisLockTTL, defaultRedisLockTTL)
	configViper.SetDefault(KeyCORSOrigins, []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString(KeyHTTPAddress),
		DatabasePath:       configViper.GetString(KeyDatabasePath),
		LogLevel:           configViper.GetString(KeyLogLevel),
		TAuthSigningKey:    configViper.GetString(KeyTAuthSigningSecret),
		TAuthCookieName:    configViper.GetString(KeyTAuthCookieName),
		TAuthIssuer:        configViper.GetString(KeyTAuthIssuer),
		DraftRetention:     configViper.GetDuration(KeyDraftRetention),
		DraftSweepInterval: configViper.GetDuration(KeyDraftSweepInterval),
		RedisURL:           strings.TrimSpace(configViper.GetString(KeyRedisURL)),
		RedisLockTTL:       configViper.GetDuration(KeyRedisLockTTL),
		AllowedOrigins:     normalizeOrigins(configViper.GetStringSlice(KeyCORSOrigins)),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("%s is required", KeyTAuthSigningSecret)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("%s is required", KeyTAuthCookieName)
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("%s is required", KeyTAuthIssuer)
	}
	if c.DraftRetention <= 0 {
		return fmt.Errorf("%s must be positive", KeyDraftRetention)
	}
	if c.DraftSweepInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyDraftSweepInterval)
	}
	if c.RedisURL != "" && c.RedisLockTTL <= 0 {
		return fmt.Errorf("%s must be positive when %s is set", KeyRedisLockTTL, KeyRedisURL)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%s must list at least one origin", KeyCORSOrigins)
	}
	return nil
}

// normalizeOrigins accepts both list values and a single comma-separated env string.
func normalizeOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
