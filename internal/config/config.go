package config

import (
	"errors"
	"os"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Agent    AgentConfig
	Log      LogConfig
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig holds the SQLite configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AgentConfig describes how agent invocations are launched.
// Provider selects between the subprocess runner ("subprocess") and the
// OpenAI-backed runner ("openai").
type AgentConfig struct {
	Provider string       `mapstructure:"provider"`
	Command  string       `mapstructure:"command"`
	Args     []string     `mapstructure:"args"`
	OpenAI   OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig holds the OpenAI-compatible API configuration
type OpenAIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from config.yaml (or CONFIG_PATH) with
// environment overrides. A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SESSIOND")
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("database.path", "sessions.db")
	v.SetDefault("agent.provider", "subprocess")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
