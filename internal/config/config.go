// Package config loads server configuration from nodeweave.yml with
// environment variable overrides.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Log    LogConfig    `mapstructure:"log"`
	Voice  VoiceConfig  `mapstructure:"voice"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RelayConfig tunes the websocket relay.
type RelayConfig struct {
	// MaxMessageBytes bounds a single inbound frame; documents larger
	// than this cannot be synced.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`

	// SendBuffer is the per-client outbound queue depth.
	SendBuffer int `mapstructure:"send_buffer"`
}

// LogConfig selects the logger flavor.
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// VoiceConfig lists STUN/TURN servers handed to clients.
type VoiceConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load reads nodeweave.yml (or .yaml) from the working directory,
// falling back to defaults when no file exists.
func Load() (*Config, error) {
	return load(".")
}

func load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("relay.max_message_bytes", 512*1024)
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("log.development", false)
	v.SetDefault("voice.stun_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetConfigName("nodeweave")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	v.SetEnvPrefix("NODEWEAVE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file - defaults apply.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", cfg.Server.Port)
	}
	if cfg.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("relay.max_message_bytes must be positive, got: %d", cfg.Relay.MaxMessageBytes)
	}
	if cfg.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive, got: %d", cfg.Relay.SendBuffer)
	}
	return nil
}
