package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "UNDERTOW"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "undertow.db"
	defaultLogLevel        = "info"
	defaultTokenIssuer     = "undertow-auth"
	defaultTokenAudience   = "undertow-api"
	defaultTokenTTL        = 30 * time.Minute
	defaultFeedBufferSize  = 16
	defaultPageSize        = 20
	defaultMutationTimeout = 10 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	SharedKey       string
	TokenIssuer     string
	TokenAudience   string
	TokenTTL        time.Duration
	FeedBufferSize  int
	PageSize        int
	MutationTimeout time.Duration
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
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("feed.buffer_size", defaultFeedBufferSize)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.mutation_timeout", defaultMutationTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		SharedKey:       configViper.GetString("auth.shared_key"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenAudience:   configViper.GetString("auth.audience"),
		TokenTTL:        configViper.GetDuration("auth.token_ttl"),
		FeedBufferSize:  configViper.GetInt("feed.buffer_size"),
		PageSize:        configViper.GetInt("sync.page_size"),
		MutationTimeout: configViper.GetDuration("sync.mutation_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SharedKey) == "" {
		return fmt.Errorf("auth.shared_key is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.MutationTimeout <= 0 {
		return fmt.Errorf("sync.mutation_timeout must be positive")
	}
	return nil
}
