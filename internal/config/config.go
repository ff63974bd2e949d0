package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TRAMBAR"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultNotifyChannel   = "data_change"
	defaultBatchWindow     = 100 * time.Millisecond
	defaultLogLevel        = "info"
	defaultIssuer          = "trambar"
	defaultAudience        = "trambar-data"
	defaultTokenTTL        = 24 * time.Hour
	defaultSchemaPattern   = `^(global|project_[a-z0-9_]+)$`
	defaultCacheSize       = 256
	defaultPingInterval    = 30 * time.Second
	defaultServerAddress   = "http://localhost:8080"
	defaultLocalPath       = "trambar-local.db"
	defaultSaveDelay       = 500 * time.Millisecond
	defaultRefreshInterval = 5 * time.Minute
	defaultSocketReconnect = 5 * time.Second
	defaultClientSchema    = "global"
)

// ServerConfig captures runtime configuration for the data server.
type ServerConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDSN    string
	NotifyChannel  string
	BatchWindow    time.Duration
	SigningSecret  string
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	SchemaPattern  string
	CacheSize      int
	PingInterval   time.Duration
	LogLevel       string
}

// ClientConfig captures runtime configuration for the command line client.
type ClientConfig struct {
	ServerAddress    string
	SessionToken     string
	Schema           string
	LocalPath        string
	SaveDelay        time.Duration
	RefreshInterval  time.Duration
	ReconnectTimeout time.Duration
	LogLevel         string
}

// NewServerViper returns a viper instance with server defaults and env bindings configured.
func NewServerViper() *viper.Viper {
	configViper := viper.New()
	ApplyServerDefaults(configViper)
	return configViper
}

// NewClientViper returns a viper instance with client defaults and env bindings configured.
func NewClientViper() *viper.Viper {
	configViper := viper.New()
	ApplyClientDefaults(configViper)
	return configViper
}

func applyEnv(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// ApplyServerDefaults configures server defaults and env bindings on the provided viper instance.
func ApplyServerDefaults(configViper *viper.Viper) {
	applyEnv(configViper)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.ping_interval", defaultPingInterval)
	configViper.SetDefault("notify.channel", defaultNotifyChannel)
	configViper.SetDefault("notify.batch_window", defaultBatchWindow)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("schema.pattern", defaultSchemaPattern)
	configViper.SetDefault("database.cache_size", defaultCacheSize)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// ApplyClientDefaults configures client defaults and env bindings on the provided viper instance.
func ApplyClientDefaults(configViper *viper.Viper) {
	applyEnv(configViper)

	configViper.SetDefault("server.address", defaultServerAddress)
	configViper.SetDefault("server.schema", defaultClientSchema)
	configViper.SetDefault("local.path", defaultLocalPath)
	configViper.SetDefault("save.delay", defaultSaveDelay)
	configViper.SetDefault("search.refresh_interval", defaultRefreshInterval)
	configViper.SetDefault("socket.reconnect_timeout", defaultSocketReconnect)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		NotifyChannel:  configViper.GetString("notify.channel"),
		BatchWindow:    configViper.GetDuration("notify.batch_window"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		Audience:       configViper.GetString("auth.audience"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		SchemaPattern:  configViper.GetString("schema.pattern"),
		CacheSize:      configViper.GetInt("database.cache_size"),
		PingInterval:   configViper.GetDuration("http.ping_interval"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerAddress:    configViper.GetString("server.address"),
		SessionToken:     configViper.GetString("session.token"),
		Schema:           configViper.GetString("server.schema"),
		LocalPath:        configViper.GetString("local.path"),
		SaveDelay:        configViper.GetDuration("save.delay"),
		RefreshInterval:  configViper.GetDuration("search.refresh_interval"),
		ReconnectTimeout: configViper.GetDuration("socket.reconnect_timeout"),
		LogLevel:         configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.NotifyChannel) == "" {
		return fmt.Errorf("notify.channel is required")
	}
	if c.BatchWindow <= 0 {
		return fmt.Errorf("notify.batch_window must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if _, err := regexp.Compile(c.SchemaPattern); err != nil {
		return fmt.Errorf("schema.pattern is invalid: %w", err)
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.ServerAddress) == "" {
		return fmt.Errorf("server.address is required")
	}
	if strings.TrimSpace(c.Schema) == "" {
		return fmt.Errorf("server.schema is required")
	}
	if strings.TrimSpace(c.LocalPath) == "" {
		return fmt.Errorf("local.path is required")
	}
	if c.SaveDelay < 0 {
		return fmt.Errorf("save.delay must not be negative")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("search.refresh_interval must not be negative")
	}
	return nil
}

// TokenConfig is the subset of server configuration needed to mint session tokens.
type TokenConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// LoadToken parses token settings without requiring a database.
func LoadToken(configViper *viper.Viper) (TokenConfig, error) {
	cfg := TokenConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		Audience:      configViper.GetString("auth.audience"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return TokenConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	if cfg.TokenTTL <= 0 {
		return TokenConfig{}, fmt.Errorf("auth.token_ttl must be positive")
	}
	return cfg, nil
}
