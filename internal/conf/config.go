// Package conf loads the proxy's configuration from a YAML file via viper,
// with one section-by-section UnmarshalKey call per top-level block.
package conf

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Conf holds the server bind address, session timing/capacity knobs, the
// log file path, and the /metrics gate.
type Conf struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

// SessionConfig is the complete enumeration of session timing and capacity
// options. Zero values are replaced by Defaults() before use.
type SessionConfig struct {
	HandshakeTimeoutSeconds int `mapstructure:"handshake_timeout_seconds"`
	TurnTimeoutSeconds      int `mapstructure:"turn_timeout_seconds"`
	SessionTTLSeconds       int `mapstructure:"session_ttl_seconds"`
	MaxSessions             int `mapstructure:"max_sessions"`
	CleanupIntervalSeconds  int `mapstructure:"cleanup_interval_seconds"`
	MaxPayloadBytes         int `mapstructure:"max_payload_bytes"`
}

type LogConfig struct {
	Path string `mapstructure:"path"`
}

// Defaults returns the SessionConfig with its built-in defaults applied to
// every zero field.
func Defaults() SessionConfig {
	return SessionConfig{
		HandshakeTimeoutSeconds: 30,
		TurnTimeoutSeconds:      30,
		SessionTTLSeconds:       3600,
		MaxSessions:             100,
		CleanupIntervalSeconds:  60,
		MaxPayloadBytes:         1048576,
	}
}

func (s *SessionConfig) applyDefaults() {
	d := Defaults()
	if s.HandshakeTimeoutSeconds == 0 {
		s.HandshakeTimeoutSeconds = d.HandshakeTimeoutSeconds
	}
	if s.TurnTimeoutSeconds == 0 {
		s.TurnTimeoutSeconds = d.TurnTimeoutSeconds
	}
	if s.SessionTTLSeconds == 0 {
		s.SessionTTLSeconds = d.SessionTTLSeconds
	}
	if s.MaxSessions == 0 {
		s.MaxSessions = d.MaxSessions
	}
	if s.CleanupIntervalSeconds == 0 {
		s.CleanupIntervalSeconds = d.CleanupIntervalSeconds
	}
	if s.MaxPayloadBytes == 0 {
		s.MaxPayloadBytes = d.MaxPayloadBytes
	}
}

// NewConf reads CONFIG_PATH (default cfg.yaml), falling back to pure
// defaults if the file does not exist, since every option has a sane
// default.
func NewConf() (*Conf, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "cfg.yaml"
	}

	conf := &Conf{
		Server: ServerConfig{Addr: ":8080"},
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		conf.Session.applyDefaults()
		return conf, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var server ServerConfig
	if err := v.UnmarshalKey("server", &server); err != nil {
		return nil, fmt.Errorf("parsing server section: %w", err)
	}
	if server.Addr != "" {
		conf.Server.Addr = server.Addr
	}
	conf.Server.MetricsEnabled = server.MetricsEnabled

	var session SessionConfig
	if err := v.UnmarshalKey("session", &session); err != nil {
		return nil, fmt.Errorf("parsing session section: %w", err)
	}
	session.applyDefaults()
	conf.Session = session

	var logCfg LogConfig
	if err := v.UnmarshalKey("log", &logCfg); err != nil {
		return nil, fmt.Errorf("parsing log section: %w", err)
	}
	conf.Log = logCfg

	return conf, nil
}
