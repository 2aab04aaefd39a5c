package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	Room    RoomConfig    `mapstructure:"room" yaml:"room"`
	AI      AIConfig      `mapstructure:"ai" yaml:"ai"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	MQTT    MQTTConfig    `mapstructure:"mqtt" yaml:"mqtt"`
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup"`
}

// RoomConfig bounds the chat room.
type RoomConfig struct {
	MaxUsers   int `mapstructure:"max_users" yaml:"max_users"`
	MaxHistory int `mapstructure:"max_history" yaml:"max_history"`
	// MentionPatterns override the built-in AI mention tokens when set.
	MentionPatterns []string `mapstructure:"mention_patterns" yaml:"mention_patterns,omitempty"`
}

// AIConfig configures the assistant backend. With UseStub set (or no API
// key), the deterministic stub answers instead of the remote API.
type AIConfig struct {
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	UseStub     bool          `mapstructure:"use_stub" yaml:"use_stub"`
}

// StorageConfig configures message persistence.
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// MQTTConfig configures the optional device bridge.
type MQTTConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	BrokerURL string `mapstructure:"broker_url" yaml:"broker_url"`
	ClientID  string `mapstructure:"client_id" yaml:"client_id"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
}

// CleanupConfig drives the periodic sweep of dead connections.
type CleanupConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxIdle     time.Duration `mapstructure:"max_idle" yaml:"max_idle"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		Room: RoomConfig{
			MaxUsers:   100,
			MaxHistory: 100,
		},
		AI: AIConfig{
			BaseURL:     "https://api.moonshot.ai/v1",
			Model:       "moonshot-v1-8k",
			Timeout:     30 * time.Second,
			MaxRetries:  3,
			RetryDelay:  time.Second,
			MaxTokens:   1000,
			Temperature: 0.7,
		},
		Storage: StorageConfig{
			SQLitePath: "airoom.db",
		},
		MQTT: MQTTConfig{
			BrokerURL: "tcp://localhost:1883",
			ClientID:  "airoom-server",
		},
		Cleanup: CleanupConfig{
			Interval:    time.Minute,
			MaxIdle:     5 * time.Minute,
			MaxFailures: 3,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Room.MaxUsers != 0 {
		c.Room.MaxUsers = other.Room.MaxUsers
	}
	if other.Room.MaxHistory != 0 {
		c.Room.MaxHistory = other.Room.MaxHistory
	}
	if other.AI.APIKey != "" {
		c.AI.APIKey = other.AI.APIKey
	}
	if other.AI.BaseURL != "" {
		c.AI.BaseURL = other.AI.BaseURL
	}
	if other.AI.Model != "" {
		c.AI.Model = other.AI.Model
	}
	if other.Storage.SQLitePath != "" {
		c.Storage.SQLitePath = other.Storage.SQLitePath
	}
	if other.MQTT.BrokerURL != "" {
		c.MQTT.BrokerURL = other.MQTT.BrokerURL
	}
}
