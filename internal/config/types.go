// Package config defines and loads the configuration for both binaries.
package config

import "fmt"

// ServerConfig describes the Gateway's public HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// GetAddr returns the host:port pair for http.Server.Addr.
func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggerConfig controls the zap logger created by the logger package.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// GatewayConfig holds the Gateway__* environment keys from spec §6.
type GatewayConfig struct {
	ApiKey            string `mapstructure:"api_key"`
	CaddyAdminUrl     string `mapstructure:"caddy_admin_url"`
	ListenPort        int    `mapstructure:"listen_port"`
	AllowRemoteUpdate bool   `mapstructure:"allow_remote_update"`
	UpdateSignalPath  string `mapstructure:"update_signal_path"`
	// InternalAddr is the host:port the edge proxy should dial to reach
	// this Gateway process; used when building route objects.
	InternalAddr string `mapstructure:"internal_addr"`
	// Version is this Gateway build's own version string, reported in
	// AuthResult and compared against Agent-requested update targets.
	Version string `mapstructure:"version"`
}

// AgentConfig holds the Agent__* environment keys from spec §6.
type AgentConfig struct {
	GatewayUrl     string `mapstructure:"gateway_url"`
	ApiKey         string `mapstructure:"api_key"`
	ConfigStoreDSN string `mapstructure:"config_store_dsn"`
	// Version is this Agent build's own version string, sent in Auth and
	// used to request Gateway updates.
	Version string `mapstructure:"version"`
}

// Config is the root object unmarshalled by viper; each binary only
// populates the section relevant to it.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Agent   AgentConfig   `mapstructure:"agent"`
}
