package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the agent configuration
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	API        APIConfig        `mapstructure:"api"`
	Tracking   TrackingConfig   `mapstructure:"tracking"`
	Geo        GeoConfig        `mapstructure:"geo"`
	Credential CredentialConfig `mapstructure:"credential"`
	Manifest   ManifestConfig   `mapstructure:"manifest"`
	Attendance AttendanceConfig `mapstructure:"attendance"`
	Events     EventsConfig     `mapstructure:"events"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

// Agent roles
const (
	RoleDriver  = "driver"
	RoleStudent = "student"
)

// Tracking modes
const (
	TrackingModePoll  = "poll"
	TrackingModeWatch = "watch"
)

// Backends shared by the location slot and the event transport
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// AgentConfig identifies what this agent instance is attached to
type AgentConfig struct {
	Role      string `mapstructure:"role"`
	BusNo     string `mapstructure:"bus_no"`
	StationID string `mapstructure:"station_id"`
}

// APIConfig holds the attendance backend connection settings
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TrackingConfig holds driver tracking settings
type TrackingConfig struct {
	Mode              string        `mapstructure:"mode"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Slot              string        `mapstructure:"slot"`
	SlotTTL           time.Duration `mapstructure:"slot_ttl"`
}

// GeoConfig holds location acquisition settings
type GeoConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// StaticLat/StaticLng pin the sensor to a fixed point when Static is set.
	Static    bool    `mapstructure:"static"`
	StaticLat float64 `mapstructure:"static_lat"`
	StaticLng float64 `mapstructure:"static_lng"`
}

// CredentialConfig holds rotating code settings
type CredentialConfig struct {
	Window        time.Duration `mapstructure:"window"`
	CountdownTick time.Duration `mapstructure:"countdown_tick"`
	SizeHint      int           `mapstructure:"size_hint"`
}

// ManifestConfig holds roster polling settings
type ManifestConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// AttendanceConfig holds verification flow settings
type AttendanceConfig struct {
	ReloadDelay time.Duration `mapstructure:"reload_delay"`
}

// EventsConfig holds domain event transport settings
type EventsConfig struct {
	Backend       string `mapstructure:"backend"`
	TopicPrefix   string `mapstructure:"topic_prefix"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ServerConfig holds the local page server settings
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Host        string `mapstructure:"host"`
	Environment string `mapstructure:"environment"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
	Encoding    string `mapstructure:"encoding"`
	Output      string `mapstructure:"output"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/busline")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, continue with env vars and defaults
	}

	return decode(v)
}

// LoadFromViper decodes and validates an already populated viper instance.
// Defaults are applied for every key the instance does not set.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Agent defaults
	v.SetDefault("agent.role", RoleDriver)
	v.SetDefault("agent.bus_no", "")
	v.SetDefault("agent.station_id", "")

	// API defaults
	v.SetDefault("api.base_url", "http://localhost:5000")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", "8s")

	// Tracking defaults
	v.SetDefault("tracking.mode", TrackingModeWatch)
	v.SetDefault("tracking.poll_interval", "10s")
	v.SetDefault("tracking.heartbeat_interval", "5s")
	v.SetDefault("tracking.slot", BackendMemory)
	v.SetDefault("tracking.slot_ttl", "0s")

	// Geo defaults
	v.SetDefault("geo.timeout", "10s")
	v.SetDefault("geo.static", false)

	// Credential defaults
	v.SetDefault("credential.window", "10s")
	v.SetDefault("credential.countdown_tick", "1s")
	v.SetDefault("credential.size_hint", 200)

	// Manifest defaults
	v.SetDefault("manifest.poll_interval", "5s")

	// Attendance defaults
	v.SetDefault("attendance.reload_delay", "2s")

	// Events defaults
	v.SetDefault("events.backend", BackendMemory)
	v.SetDefault("events.topic_prefix", "busline-events")
	v.SetDefault("events.consumer_group", "busline-agent")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	// Server defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.environment", "development")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.output", "stdout")
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if !contains([]string{RoleDriver, RoleStudent}, cfg.Agent.Role) {
		return fmt.Errorf("invalid agent role: %s", cfg.Agent.Role)
	}

	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api base url cannot be empty")
	}

	if cfg.API.Timeout <= 0 {
		return fmt.Errorf("api timeout must be positive")
	}

	if !contains([]string{TrackingModePoll, TrackingModeWatch}, cfg.Tracking.Mode) {
		return fmt.Errorf("invalid tracking mode: %s", cfg.Tracking.Mode)
	}

	if cfg.Tracking.PollInterval < time.Second {
		return fmt.Errorf("tracking poll interval must be at least 1s")
	}

	if cfg.Tracking.HeartbeatInterval < time.Second {
		return fmt.Errorf("tracking heartbeat interval must be at least 1s")
	}

	validBackends := []string{BackendMemory, BackendRedis}
	if !contains(validBackends, cfg.Tracking.Slot) {
		return fmt.Errorf("invalid tracking slot backend: %s", cfg.Tracking.Slot)
	}

	if !contains(validBackends, cfg.Events.Backend) {
		return fmt.Errorf("invalid events backend: %s", cfg.Events.Backend)
	}

	if cfg.Geo.Timeout <= 0 {
		return fmt.Errorf("geo timeout must be positive")
	}

	if cfg.Credential.CountdownTick <= 0 {
		return fmt.Errorf("credential countdown tick must be positive")
	}

	if cfg.Credential.Window < cfg.Credential.CountdownTick {
		return fmt.Errorf("credential window must be at least one countdown tick")
	}

	if cfg.Manifest.PollInterval < time.Second {
		return fmt.Errorf("manifest poll interval must be at least 1s")
	}

	if cfg.Attendance.ReloadDelay < 0 {
		return fmt.Errorf("attendance reload delay cannot be negative")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.Log.Level) {
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}

	validEncodings := []string{"json", "console"}
	if !contains(validEncodings, cfg.Log.Encoding) {
		return fmt.Errorf("invalid log encoding: %s", cfg.Log.Encoding)
	}

	return nil
}

// NeedsRedis reports whether any configured component is backed by Redis
func (c *Config) NeedsRedis() bool {
	return c.Tracking.Slot == BackendRedis || c.Events.Backend == BackendRedis
}

// IsProduction returns true if the environment is production
func (s *ServerConfig) IsProduction() bool {
	return strings.ToLower(s.Environment) == "production"
}

// contains checks if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}
