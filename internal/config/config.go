// Package config loads and validates the process configuration from a
// YAML file plus environment variable overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/tdworkflow/fixsession/internal/session"
)

// StoreConfig selects the message-store backend.
type StoreConfig struct {
	// Backend is "badger" or "memory".
	Backend string `mapstructure:"backend" validate:"oneof=badger memory"`
	// Dir is the on-disk location for the badger backend.
	Dir string `mapstructure:"dir" validate:"required_if=Backend badger"`
}

// KafkaConfig wires accepted messages onto a broker. Disabled when
// Brokers is empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Config is the full process configuration.
type Config struct {
	// ListenAddr accepts inbound counterparty connections. Required when
	// any configured session is an acceptor.
	ListenAddr string `mapstructure:"listen_addr"`
	// AdminAddr serves the operator HTTP API. Empty disables it.
	AdminAddr string `mapstructure:"admin_addr"`
	// AdminUser/AdminPass protect the operator API with basic auth when
	// both are set.
	AdminUser string `mapstructure:"admin_user"`
	AdminPass string `mapstructure:"admin_pass"`
	// MetricsAddr serves the Prometheus endpoint. Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Store    StoreConfig        `mapstructure:"store"`
	Kafka    KafkaConfig        `mapstructure:"kafka"`
	Sessions []session.Settings `mapstructure:"sessions" validate:"min=1,dive"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("store.backend", "memory")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("admin_addr", "")
}

// Load reads the file at path, applies FIXSESSION_* environment
// overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FIXSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for i := range cfg.Sessions {
		cfg.Sessions[i].ApplyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and rejects duplicate session IDs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Sessions))
	for _, s := range c.Sessions {
		id := s.SessionID().String()
		if seen[id] {
			return fmt.Errorf("invalid config: duplicate session %s", id)
		}
		seen[id] = true
		if !s.Initiator && c.ListenAddr == "" {
			return fmt.Errorf("invalid config: acceptor session %s requires listen_addr", id)
		}
	}
	return nil
}
