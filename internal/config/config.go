// Package config loads tapsim settings from defaults, an optional YAML file,
// TAPSIM_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/signalsfoundry/tapsim/internal/observability"
	"github.com/signalsfoundry/tapsim/internal/session"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the variable holding the YAML config path.
const EnvConfigFile = "TAPSIM_CONFIG"

// Config is the full process configuration.
type Config struct {
	// Initial session.
	DelayMillis   int `yaml:"delay_ms" env:"TAPSIM_DELAY_MS"`
	EndpointCount int `yaml:"nodes" env:"TAPSIM_NODES"`

	DataRate    int64         `yaml:"data_rate_bps" env:"TAPSIM_DATA_RATE"`
	StopTimeout time.Duration `yaml:"stop_timeout" env:"TAPSIM_STOP_TIMEOUT"`
	MetricsAddr string        `yaml:"metrics_addr" env:"TAPSIM_METRICS_ADDR"`

	Log     LogConfig                   `yaml:"log"`
	Tracing observability.TracingConfig `yaml:"tracing"`
}

// LogConfig selects the log level and handler. An empty format means text on
// a terminal and JSON otherwise.
type LogConfig struct {
	Level  string `yaml:"level" env:"TAPSIM_LOG_LEVEL"`
	Format string `yaml:"format" env:"TAPSIM_LOG_FORMAT"`
}

// Default returns the built-in configuration: the initial session has no
// delay and three endpoints.
func Default() Config {
	return Config{
		DelayMillis:   0,
		EndpointCount: 3,
		StopTimeout:   session.DefaultStopTimeout,
		Log:           LogConfig{Level: "info"},
		Tracing:       observability.DefaultTracingConfig(),
	}
}

// Session returns the initial session configuration.
func (c Config) Session() session.Config {
	return session.Config{DelayMillis: c.DelayMillis, EndpointCount: c.EndpointCount}
}

// Validate checks values that cannot be corrected later.
func (c Config) Validate() error {
	var errs []error
	if err := c.Session().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.DataRate < 0 {
		errs = append(errs, fmt.Errorf("data rate must be non-negative, got %d", c.DataRate))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop timeout must be positive, got %s", c.StopTimeout))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LoadFile overlays the YAML document at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ParseConfig builds the configuration from defaults, the YAML file named by
// -config or TAPSIM_CONFIG, the environment and finally the flags in args.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if args == nil {
		args = []string{}
	}
	cfg := Default()

	path := configPath(args)
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.String("config", path, "YAML config file (also "+EnvConfigFile+")")
	fs.IntVar(&cfg.DelayMillis, "delay", cfg.DelayMillis, "initial channel delay in milliseconds")
	fs.IntVar(&cfg.EndpointCount, "nodes", cfg.EndpointCount, "initial number of bridged endpoints")
	fs.Int64Var(&cfg.DataRate, "data-rate", cfg.DataRate, "channel data rate in bits per second (0 = unlimited)")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "bound on each wait for a stopping session")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address (empty disables)")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format: text or json (default by terminal)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configPath finds -config in args before the flag set is parsed, so the file
// can sit under the environment and flags.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg || (len(arg)-len(name)) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
