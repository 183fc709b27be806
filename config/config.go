// Package config loads process configuration from an optional YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"

	"github.com/kinsyu/messaging"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

type Config struct {
	Env      string         `koanf:"env"`
	LogLevel string         `koanf:"log_level"`
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Shutdown ShutdownConfig `koanf:"shutdown"`
}

type RabbitMQConfig struct {
	URL            string        `koanf:"url"`
	ConnectionName string        `koanf:"connection_name"`
	Prefetch       int           `koanf:"prefetch"`
	Heartbeat      time.Duration `koanf:"heartbeat"`
	// DeadLetterExchange receives messages rejected without requeue. Empty
	// means the broker drops them.
	DeadLetterExchange string `koanf:"dead_letter_exchange"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `koanf:"grace_period"`
}

// envKeys maps the supported environment variables to config keys.
var envKeys = map[string]string{
	"APP_ENV":                       "env",
	"LOG_LEVEL":                     "log_level",
	"RABBITMQ_URL":                  "rabbitmq.url",
	"RABBITMQ_CONNECTION_NAME":      "rabbitmq.connection_name",
	"RABBITMQ_PREFETCH":             "rabbitmq.prefetch",
	"RABBITMQ_HEARTBEAT":            "rabbitmq.heartbeat",
	"RABBITMQ_DEAD_LETTER_EXCHANGE": "rabbitmq.dead_letter_exchange",
	"METRICS_ENABLED":               "metrics.enabled",
	"METRICS_ADDRESS":               "metrics.address",
	"SHUTDOWN_GRACE_PERIOD":         "shutdown.grace_period",
}

func Default() *Config {
	return &Config{
		Env:      EnvDevelopment,
		LogLevel: "info",
		RabbitMQ: RabbitMQConfig{
			URL:      "amqp://localhost:5672",
			Prefetch: 10,
		},
		Metrics: MetricsConfig{
			Address: ":9464",
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 10 * time.Second,
		},
	}
}

// Load reads path when it is not empty, then the environment, on top of
// Default and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("env: unknown environment %q", c.Env))
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	errs = append(errs, c.RabbitMQ.validate()...)

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics: address is required when metrics are enabled"))
	}
	if c.Shutdown.GracePeriod <= 0 {
		errs = append(errs, errors.New("shutdown: grace period must be positive"))
	}

	return errors.Join(errs...)
}

func (c RabbitMQConfig) validate() []error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("rabbitmq: URL is required"))
	} else if u, err := url.Parse(c.URL); err != nil {
		errs = append(errs, fmt.Errorf("rabbitmq: invalid URL %s", messaging.RedactURL(c.URL)))
	} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
		errs = append(errs, fmt.Errorf("rabbitmq: unsupported scheme %q", u.Scheme))
	} else if u.Host == "" {
		errs = append(errs, errors.New("rabbitmq: URL has no host"))
	}
	if c.Prefetch < 0 || c.Prefetch > 65535 {
		errs = append(errs, fmt.Errorf("rabbitmq: invalid prefetch %d", c.Prefetch))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, errors.New("rabbitmq: heartbeat cannot be negative"))
	}
	return errs
}

// String renders the configuration with URL passwords masked.
func (c Config) String() string {
	copy := c
	copy.RabbitMQ.URL = messaging.RedactURL(copy.RabbitMQ.URL)
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}
