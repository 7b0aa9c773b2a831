package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"careflow/internal/router"
	dbconfig "careflow/pkg/database"
	"careflow/pkg/types"
)

// EnvPrefix is prepended to every environment variable, e.g. CAREFLOW_HTTP_PORT.
const EnvPrefix = "CAREFLOW"

// FileEnvVar names the variable holding an optional JSON config file path.
const FileEnvVar = "CAREFLOW_CONFIG_FILE"

type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Hub       *HubConfig       `json:"hub"`
	Log       *LogConfig       `json:"log"`

	// Routing overrides the department to role-room mapping. Empty means
	// the built-in mapping. Only settable from the config file.
	Routing map[string][]string `json:"routing" ignored:"true"`
}

type DatabaseConfig struct {
	Path            string        `json:"path" envconfig:"PATH"`
	MaxConnections  int           `json:"max_connections" envconfig:"MAX_CONNECTIONS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" envconfig:"CONN_MAX_IDLE_TIME"`
}

type HTTPConfig struct {
	Host            string        `json:"host" envconfig:"HOST"`
	Port            int           `json:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `json:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval" envconfig:"PING_INTERVAL"`
	ReadTimeout    time.Duration `json:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	BufferSize     int           `json:"buffer_size" envconfig:"BUFFER_SIZE"`
	MaxMessageSize int64         `json:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`
}

type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" envconfig:"JWT_SECRET"`
	TokenTTL  time.Duration `json:"token_ttl" envconfig:"TOKEN_TTL"`
}

// HubConfig tunes the event gateway queue.
type HubConfig struct {
	QueueSize        int `json:"queue_size" envconfig:"QUEUE_SIZE"`
	ControlRateLimit int `json:"control_rate_limit" envconfig:"CONTROL_RATE_LIMIT"`
}

type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"`
}

// DefaultConfig leaves the JWT secret empty: it must come from the
// environment or a config file.
func DefaultConfig() *Config {
	db := dbconfig.DefaultConfig()
	return &Config{
		Database: &DatabaseConfig{
			Path:            db.DatabasePath,
			MaxConnections:  db.MaxConnections,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 4096,
		},
		Auth: &AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Hub: &HubConfig{
			QueueSize:        1000,
			ControlRateLimit: 100,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.DatabaseConfig().Validate(); err != nil {
		return err
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Auth == nil {
		return errors.New("auth configuration is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("JWT secret must be at least 16 characters (set %s_AUTH_JWT_SECRET)", EnvPrefix)
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("token TTL must be positive")
	}

	if c.Hub == nil {
		return errors.New("hub configuration is required")
	}
	if c.Hub.QueueSize <= 0 {
		return errors.New("hub queue size must be positive")
	}
	if c.Hub.ControlRateLimit < 0 {
		return errors.New("hub control rate limit cannot be negative")
	}

	if _, err := c.DepartmentRoles(); err != nil {
		return err
	}
	return nil
}

// DatabaseConfig converts the section into the storage package's config.
func (c *Config) DatabaseConfig() *dbconfig.Config {
	return &dbconfig.Config{
		DatabasePath:    c.Database.Path,
		MaxConnections:  c.Database.MaxConnections,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// DepartmentRoles returns the routing mapping, or nil for the built-in one.
func (c *Config) DepartmentRoles() (router.DepartmentRoles, error) {
	if len(c.Routing) == 0 {
		return nil, nil
	}
	mapping := make(router.DepartmentRoles, len(c.Routing))
	for dept, roles := range c.Routing {
		for _, role := range roles {
			mapping[types.Department(dept)] = append(mapping[types.Department(dept)], types.Role(role))
		}
	}
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	return mapping, nil
}

// LoadFromEnv overlays CAREFLOW_* variables on top of c.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// ConfigFile is the JSON layout of a config file. Durations are strings
// such as "30s"; absent fields keep their current value.
type ConfigFile struct {
	Database *struct {
		Path            string `json:"path"`
		MaxConnections  int    `json:"max_connections"`
		ConnMaxLifetime string `json:"conn_max_lifetime"`
		ConnMaxIdleTime string `json:"conn_max_idle_time"`
	} `json:"database"`
	HTTP *struct {
		Host            string `json:"host"`
		Port            int    `json:"port"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval   string `json:"ping_interval"`
		ReadTimeout    string `json:"read_timeout"`
		WriteTimeout   string `json:"write_timeout"`
		BufferSize     int    `json:"buffer_size"`
		MaxMessageSize int64  `json:"max_message_size"`
	} `json:"websocket"`
	Auth *struct {
		JWTSecret string `json:"jwt_secret"`
		TokenTTL  string `json:"token_ttl"`
	} `json:"auth"`
	Hub *struct {
		QueueSize        int  `json:"queue_size"`
		ControlRateLimit *int `json:"control_rate_limit"`
	} `json:"hub"`
	Log *struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
	Routing map[string][]string `json:"routing"`
}

// LoadFromFile overlays a JSON config file on top of c.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var f ConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	p := durationParser{}
	if d := f.Database; d != nil {
		setString(&c.Database.Path, d.Path)
		setInt(&c.Database.MaxConnections, d.MaxConnections)
		p.set(&c.Database.ConnMaxLifetime, "database.conn_max_lifetime", d.ConnMaxLifetime)
		p.set(&c.Database.ConnMaxIdleTime, "database.conn_max_idle_time", d.ConnMaxIdleTime)
	}
	if h := f.HTTP; h != nil {
		setString(&c.HTTP.Host, h.Host)
		setInt(&c.HTTP.Port, h.Port)
		p.set(&c.HTTP.ReadTimeout, "http.read_timeout", h.ReadTimeout)
		p.set(&c.HTTP.WriteTimeout, "http.write_timeout", h.WriteTimeout)
		p.set(&c.HTTP.ShutdownTimeout, "http.shutdown_timeout", h.ShutdownTimeout)
	}
	if w := f.WebSocket; w != nil {
		p.set(&c.WebSocket.PingInterval, "websocket.ping_interval", w.PingInterval)
		p.set(&c.WebSocket.ReadTimeout, "websocket.read_timeout", w.ReadTimeout)
		p.set(&c.WebSocket.WriteTimeout, "websocket.write_timeout", w.WriteTimeout)
		setInt(&c.WebSocket.BufferSize, w.BufferSize)
		if w.MaxMessageSize > 0 {
			c.WebSocket.MaxMessageSize = w.MaxMessageSize
		}
	}
	if a := f.Auth; a != nil {
		setString(&c.Auth.JWTSecret, a.JWTSecret)
		p.set(&c.Auth.TokenTTL, "auth.token_ttl", a.TokenTTL)
	}
	if h := f.Hub; h != nil {
		setInt(&c.Hub.QueueSize, h.QueueSize)
		if h.ControlRateLimit != nil {
			c.Hub.ControlRateLimit = *h.ControlRateLimit
		}
	}
	if l := f.Log; l != nil {
		setString(&c.Log.Level, l.Level)
		setString(&c.Log.Format, l.Format)
	}
	if len(f.Routing) > 0 {
		c.Routing = f.Routing
	}

	if p.err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, p.err)
	}
	return nil
}

// Load resolves defaults, then the environment, then the file named by
// CAREFLOW_CONFIG_FILE (or path, when non-empty), and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv(FileEnvVar)
	}
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type durationParser struct {
	err error
}

func (p *durationParser) set(dst *time.Duration, name, value string) {
	if value == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", name, err)
		return
	}
	*dst = d
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
