package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every runtime knob of the server.
type Config struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	LogLevel       string   `mapstructure:"log_level"`

	// AgentCommand is the coding agent binary to spawn for real sessions.
	AgentCommand string `mapstructure:"agent_command"`
	// FakeAgent swaps the real agent for a scripted echo agent. Useful for
	// frontend development without burning tokens.
	FakeAgent bool `mapstructure:"fake_agent"`

	// EventBuffer is the per-subscriber event queue size.
	EventBuffer int `mapstructure:"event_buffer"`
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 9283)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("agent_command", "claude")
	v.SetDefault("fake_agent", false)
	v.SetDefault("event_buffer", 64)
}

// Load reads the configuration from claude-code-web.{json,yaml} in $HOME or
// the working directory, with CCW_* environment variables taking precedence.
// A missing config file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CCW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("claude-code-web")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if strings.TrimSpace(c.AgentCommand) == "" && !c.FakeAgent {
		return fmt.Errorf("agent_command must be set unless fake_agent is enabled")
	}
	return nil
}
