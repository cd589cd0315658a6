package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "ROOMKIT"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "roomkit.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "identity_session"
	defaultTokenTTLMinutes = 30
	defaultDebounceMillis  = 1500
	defaultPresenceTTLSecs = 12
	defaultHeartbeatSecs   = 4
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	SessionSigningKey  string
	SessionCookieName  string
	TokenSigningSecret string
	TokenTTL           time.Duration
	DatabasePath       string
	LogLevel           string
	DebounceWindow     time.Duration
	PresenceTTL        time.Duration
	HeartbeatInterval  time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("presence.ttl_s", defaultPresenceTTLSecs)
	configViper.SetDefault("presence.heartbeat_s", defaultHeartbeatSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		SessionSigningKey:  configViper.GetString("session.signing_secret"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		TokenSigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		DebounceWindow:     time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
		PresenceTTL:        time.Duration(configViper.GetInt("presence.ttl_s")) * time.Second,
		HeartbeatInterval:  time.Duration(configViper.GetInt("presence.heartbeat_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.TokenSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("sync.debounce_ms must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl_s must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.PresenceTTL {
		return fmt.Errorf("presence.heartbeat_s must be positive and below presence.ttl_s")
	}
	return nil
}
