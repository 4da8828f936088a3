// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EndpointConfig locates the streaming server.
type EndpointConfig struct {
	URL      string `yaml:"url"`
	AppID    string `yaml:"appId"`
	Language string `yaml:"language"`
}

// SocketURL builds the websocket URL with app_id and language query parameters.
// A URL without a path gets the default /websockets/v3 path.
func (c EndpointConfig) SocketURL() (string, error) {
	raw := strings.TrimSpace(c.URL)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("endpoint url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint url: host required")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/websockets/v3"
	}
	q := u.Query()
	if c.AppID != "" {
		q.Set("app_id", c.AppID)
	}
	if c.Language != "" {
		q.Set("l", strings.ToUpper(c.Language))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConnectionConfig tunes the connection manager.
type ConnectionConfig struct {
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
	PingInterval         time.Duration `yaml:"pingInterval"`
	StallTimeout         time.Duration `yaml:"stallTimeout"`
	ReconnectBase        time.Duration `yaml:"reconnectBase"`
	ReconnectCap         time.Duration `yaml:"reconnectCap"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	WriteTimeout         time.Duration `yaml:"writeTimeout"`
	ReadLimitBytes       int64         `yaml:"readLimitBytes"`
}

func (c ConnectionConfig) validate() error {
	switch {
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("connectTimeout must be >0")
	case c.PingInterval <= 0:
		return fmt.Errorf("pingInterval must be >0")
	case c.StallTimeout <= 0:
		return fmt.Errorf("stallTimeout must be >0")
	case c.ReconnectBase <= 0:
		return fmt.Errorf("reconnectBase must be >0")
	case c.ReconnectCap < c.ReconnectBase:
		return fmt.Errorf("reconnectCap must be >= reconnectBase")
	case c.MaxReconnectAttempts <= 0:
		return fmt.Errorf("maxReconnectAttempts must be >0")
	case c.WriteTimeout <= 0:
		return fmt.Errorf("writeTimeout must be >0")
	case c.ReadLimitBytes <= 0:
		return fmt.Errorf("readLimitBytes must be >0")
	}
	return nil
}

// RequestsConfig tunes correlated requests.
type RequestsConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	IDHistory int           `yaml:"idHistory"`
}

// SubscriptionsConfig paces subscribe frames replayed after a reconnect.
type SubscriptionsConfig struct {
	ControlRate  float64 `yaml:"controlRate"`
	ControlBurst int     `yaml:"controlBurst"`
}

// SessionConfig tunes account selection.
type SessionConfig struct {
	PreferredCurrency string `yaml:"preferredCurrency"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MaxConns      int32  `yaml:"maxConns"`
	MinConns      int32  `yaml:"minConns"`
	RunMigrations bool   `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	Backend   StorageBackend `yaml:"backend"`
	RedisURL  string         `yaml:"redisUrl"`
	KeyPrefix string         `yaml:"keyPrefix"`
	Database  DatabaseConfig `yaml:"database"`
}

// EventbusConfig tunes the in-process event bus.
type EventbusConfig struct {
	QueueWarnDepth int `yaml:"queueWarnDepth"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AppConfig is the unified tickwire configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment         `yaml:"environment"`
	Endpoint      EndpointConfig      `yaml:"endpoint"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Requests      RequestsConfig      `yaml:"requests"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Session       SessionConfig       `yaml:"session"`
	Storage       StorageConfig       `yaml:"storage"`
	Eventbus      EventbusConfig      `yaml:"eventbus"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Endpoint: EndpointConfig{
			URL:      "wss://ws.derivws.com/websockets/v3",
			AppID:    "1089",
			Language: "EN",
		},
		Connection: ConnectionConfig{
			ConnectTimeout:       10 * time.Second,
			PingInterval:         30 * time.Second,
			StallTimeout:         60 * time.Second,
			ReconnectBase:        time.Second,
			ReconnectCap:         30 * time.Second,
			MaxReconnectAttempts: 10,
			WriteTimeout:         5 * time.Second,
			ReadLimitBytes:       2 << 20,
		},
		Requests: RequestsConfig{
			Timeout:   30 * time.Second,
			IDHistory: 4096,
		},
		Subscriptions: SubscriptionsConfig{
			ControlRate:  10,
			ControlBurst: 10,
		},
		Session: SessionConfig{
			PreferredCurrency: "USD",
		},
		Storage: StorageConfig{
			Backend:   StorageMemory,
			RedisURL:  "",
			KeyPrefix: "tickwire:session:",
			Database: DatabaseConfig{
				DSN:           "",
				MaxConns:      4,
				MinConns:      0,
				RunMigrations: true,
			},
		},
		Eventbus: EventbusConfig{
			QueueWarnDepth: 1024,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "tickwire",
			OTLPInsecure:  false,
			EnableMetrics: false,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file. Fields
// absent from the file keep their Default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath when it exists and falls back to Default
// otherwise. The boolean reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), false, nil
	}
	if _, err := os.Stat(filepath.Clean(strings.TrimSpace(configPath))); errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	cfg, err := Load(ctx, configPath)
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

// ApplyEnv overrides selected fields from environment variables and re-validates.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("TICKWIRE_ENV"); ok {
		c.Environment = Environment(v)
	}
	if v, ok := lookup("TICKWIRE_ENDPOINT"); ok {
		c.Endpoint.URL = v
	}
	if v, ok := lookup("TICKWIRE_APP_ID"); ok {
		c.Endpoint.AppID = v
	}
	if v, ok := lookup("TICKWIRE_STORAGE"); ok {
		c.Storage.Backend = StorageBackend(v)
	}
	if v, ok := lookup("TICKWIRE_REDIS_URL"); ok {
		c.Storage.RedisURL = v
	}
	if v, ok := lookup("TICKWIRE_DATABASE_DSN"); ok {
		c.Storage.Database.DSN = v
	}
	if v, ok := lookup("TICKWIRE_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup("TICKWIRE_METRICS"); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("TICKWIRE_METRICS: %w", err)
		}
		c.Telemetry.EnableMetrics = enabled
	}
	c.normalise()
	return c.Validate()
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Endpoint.URL = strings.TrimSpace(c.Endpoint.URL)
	c.Endpoint.AppID = strings.TrimSpace(c.Endpoint.AppID)
	c.Endpoint.Language = strings.ToUpper(strings.TrimSpace(c.Endpoint.Language))
	c.Session.PreferredCurrency = strings.ToUpper(strings.TrimSpace(c.Session.PreferredCurrency))
	c.Storage.Backend = normalizeBackend(c.Storage.Backend)
	c.Storage.RedisURL = strings.TrimSpace(c.Storage.RedisURL)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	if c.Subscriptions.ControlBurst <= 0 {
		c.Subscriptions.ControlBurst = 1
	}
	if c.Eventbus.QueueWarnDepth <= 0 {
		c.Eventbus.QueueWarnDepth = 1024
	}
	c.Storage.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Endpoint.URL == "" {
		return fmt.Errorf("endpoint url required")
	}
	if _, err := c.Endpoint.SocketURL(); err != nil {
		return err
	}
	if err := c.Connection.validate(); err != nil {
		return fmt.Errorf("connection: %w", err)
	}

	if c.Requests.Timeout <= 0 {
		return fmt.Errorf("requests timeout must be >0")
	}
	if c.Requests.IDHistory <= 0 {
		return fmt.Errorf("requests idHistory must be >0")
	}
	if c.Subscriptions.ControlRate < 0 {
		return fmt.Errorf("subscriptions controlRate must be >=0")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage redisUrl required for redis backend")
		}
	case StoragePostgres:
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage database dsn required for postgres backend")
		}
	default:
		return fmt.Errorf("storage backend must be one of memory, redis, postgres")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
