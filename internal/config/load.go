package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

// LoadGateway loads environment variables named SECTION__KEY
// (GATEWAY__API_KEY, SERVER__PORT, LOGGER__LEVEL, ...) and an optional
// config file into a Config, populating the Server/Logger/Gateway
// sections the Gateway binary cares about.
func LoadGateway(configPath string) (*Config, error) {
	v := newViper(configPath)
	setGatewayDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal gateway config: %w", err)
	}
	return &cfg, nil
}

// LoadAgent loads AGENT__* and LOGGER__* environment variables (and an
// optional config file) into a Config, populating the Logger/Agent
// sections.
func LoadAgent(configPath string) (*Config, error) {
	v := newViper(configPath)
	setAgentDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	return &cfg, nil
}

func setGatewayDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")

	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.caddy_admin_url", "http://localhost:2019")
	v.SetDefault("gateway.listen_port", 8080)
	v.SetDefault("gateway.allow_remote_update", false)
	v.SetDefault("gateway.update_signal_path", "/opt/octoporty/data/update-signal")
	v.SetDefault("gateway.internal_addr", "gateway:8080")
	v.SetDefault("gateway.version", "dev")
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")

	v.SetDefault("agent.gateway_url", "")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.config_store_dsn", "./octoporty-agent.db")
	v.SetDefault("agent.version", "dev")
}
