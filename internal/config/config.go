package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"drover/internal/observability"
)

// Config is the full daemon configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server" mapstructure:"server"`
	Tasks         TasksConfig          `yaml:"tasks" mapstructure:"tasks"`
	Observability observability.Config `yaml:"observability" mapstructure:"observability"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TasksConfig configures background task execution.
type TasksConfig struct {
	// BashTimeout bounds bash tasks without an explicit timeout.
	BashTimeout time.Duration `yaml:"bash_timeout" mapstructure:"bash_timeout"`
	// HistoryCap is the per-session cap on retained results.
	HistoryCap int `yaml:"history_cap" mapstructure:"history_cap"`
	// SubagentMaxTurns bounds subagent conversation loops.
	SubagentMaxTurns int `yaml:"subagent_max_turns" mapstructure:"subagent_max_turns"`
	// SubagentOutputLimit is the byte ceiling on subagent output.
	SubagentOutputLimit int `yaml:"subagent_output_limit" mapstructure:"subagent_output_limit"`
	// SessionRoot is where sessions without an explicit parent directory
	// keep their child session logs. Empty disables the fallback.
	SessionRoot string `yaml:"session_root" mapstructure:"session_root"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        7777,
			CORSOrigins: []string{"*"},
		},
		Tasks: TasksConfig{
			BashTimeout:         5 * time.Minute,
			HistoryCap:          50,
			SubagentMaxTurns:    10,
			SubagentOutputLimit: 10 << 20,
		},
		Observability: observability.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// DROVER_* environment variables, in ascending precedence. With an empty
// path it searches the working directory, ~/.drover and /etc/drover for a
// drover.yaml; a missing file is fine, a malformed one is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("drover")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.drover")
		v.AddConfigPath("/etc/drover")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.cors_origins", defaults.Server.CORSOrigins)

	v.SetDefault("tasks.bash_timeout", defaults.Tasks.BashTimeout)
	v.SetDefault("tasks.history_cap", defaults.Tasks.HistoryCap)
	v.SetDefault("tasks.subagent_max_turns", defaults.Tasks.SubagentMaxTurns)
	v.SetDefault("tasks.subagent_output_limit", defaults.Tasks.SubagentOutputLimit)
	v.SetDefault("tasks.session_root", defaults.Tasks.SessionRoot)

	v.SetDefault("observability.logging.level", defaults.Observability.Logging.Level)
	v.SetDefault("observability.logging.format", defaults.Observability.Logging.Format)
	v.SetDefault("observability.metrics.enabled", defaults.Observability.Metrics.Enabled)
	v.SetDefault("observability.metrics.prometheus_port", defaults.Observability.Metrics.PrometheusPort)
	v.SetDefault("observability.tracing.enabled", defaults.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", defaults.Observability.Tracing.Exporter)
	v.SetDefault("observability.tracing.otlp_endpoint", defaults.Observability.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.sample_rate", defaults.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", defaults.Observability.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", defaults.Observability.Tracing.ServiceVersion)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Tasks.BashTimeout <= 0 {
		return fmt.Errorf("tasks.bash_timeout must be positive, got %s", c.Tasks.BashTimeout)
	}
	if c.Tasks.HistoryCap <= 0 {
		return fmt.Errorf("tasks.history_cap must be positive, got %d", c.Tasks.HistoryCap)
	}
	if c.Tasks.SubagentMaxTurns <= 0 {
		return fmt.Errorf("tasks.subagent_max_turns must be positive, got %d", c.Tasks.SubagentMaxTurns)
	}
	if c.Tasks.SubagentOutputLimit <= 0 {
		return fmt.Errorf("tasks.subagent_output_limit must be positive, got %d", c.Tasks.SubagentOutputLimit)
	}
	switch c.Observability.Tracing.Exporter {
	case "", "otlp", "zipkin":
	default:
		return fmt.Errorf("observability.tracing.exporter %q not supported", c.Observability.Tracing.Exporter)
	}
	return nil
}

// WriteDefault writes the default configuration as YAML, for
// `drover config init`. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	cfg := Default()
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
