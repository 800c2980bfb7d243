package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "VETSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "vetsync.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultIssuer            = "vetsync-auth"
	defaultBatchWindow       = 2 * time.Second
	defaultBatchMaxEvents    = 100
	defaultHeartbeatInterval = 25 * time.Second
	defaultDateDebounce      = 100 * time.Millisecond
	defaultSendBuffer        = 64
	defaultTimezone          = "UTC"
	defaultInboundRate       = 10.0
	defaultInboundBurst      = 20
	defaultReconnectBase     = 2 * time.Second
	defaultReconnectAttempts = 5
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	Realtime RealtimeConfig
	Client   ClientConfig
}

// RealtimeConfig tunes the sync hub.
type RealtimeConfig struct {
	BatchWindow       time.Duration
	BatchMaxEvents    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DateDebounce      time.Duration
	SendBuffer        int
	DefaultTimezone   string
	InboundRate       float64
	InboundBurst      int
}

// ClientConfig tunes the watch command's reconnecting client.
type ClientConfig struct {
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int
	HeartbeatInterval    time.Duration
	DateDebounce         time.Duration
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
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)

	configViper.SetDefault("realtime.batch_window", defaultBatchWindow)
	configViper.SetDefault("realtime.batch_max_events", defaultBatchMaxEvents)
	configViper.SetDefault("realtime.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("realtime.heartbeat_timeout", 2*defaultHeartbeatInterval)
	configViper.SetDefault("realtime.date_debounce", defaultDateDebounce)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.default_timezone", defaultTimezone)
	configViper.SetDefault("realtime.inbound_rate", defaultInboundRate)
	configViper.SetDefault("realtime.inbound_burst", defaultInboundBurst)

	configViper.SetDefault("client.reconnect_base", defaultReconnectBase)
	configViper.SetDefault("client.reconnect_max_attempts", defaultReconnectAttempts)
	configViper.SetDefault("client.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("client.date_debounce", defaultDateDebounce)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		Realtime: RealtimeConfig{
			BatchWindow:       configViper.GetDuration("realtime.batch_window"),
			BatchMaxEvents:    configViper.GetInt("realtime.batch_max_events"),
			HeartbeatInterval: configViper.GetDuration("realtime.heartbeat_interval"),
			HeartbeatTimeout:  configViper.GetDuration("realtime.heartbeat_timeout"),
			DateDebounce:      configViper.GetDuration("realtime.date_debounce"),
			SendBuffer:        configViper.GetInt("realtime.send_buffer"),
			DefaultTimezone:   configViper.GetString("realtime.default_timezone"),
			InboundRate:       configViper.GetFloat64("realtime.inbound_rate"),
			InboundBurst:      configViper.GetInt("realtime.inbound_burst"),
		},
		Client: loadClientConfig(configViper),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses only the client settings used by the watch command.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := loadClientConfig(configViper)
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadClientConfig(configViper *viper.Viper) ClientConfig {
	return ClientConfig{
		ReconnectBase:        configViper.GetDuration("client.reconnect_base"),
		ReconnectMaxAttempts: configViper.GetInt("client.reconnect_max_attempts"),
		HeartbeatInterval:    configViper.GetDuration("client.heartbeat_interval"),
		DateDebounce:         configViper.GetDuration("client.date_debounce"),
	}
}

// Location resolves the default tenant timezone.
func (c RealtimeConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.DefaultTimezone)
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if err := c.Realtime.validate(); err != nil {
		return err
	}
	return c.Client.validate()
}

func (c ClientConfig) validate() error {
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("client.reconnect_base must be positive")
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("client.reconnect_max_attempts must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("client.heartbeat_interval must be positive")
	}
	if c.DateDebounce <= 0 {
		return fmt.Errorf("client.date_debounce must be positive")
	}
	return nil
}

func (c RealtimeConfig) validate() error {
	if c.BatchWindow <= 0 {
		return fmt.Errorf("realtime.batch_window must be positive")
	}
	if c.BatchMaxEvents <= 0 {
		return fmt.Errorf("realtime.batch_max_events must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be positive")
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("realtime.heartbeat_timeout must be at least the heartbeat interval")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("realtime.default_timezone: %w", err)
	}
	return nil
}
