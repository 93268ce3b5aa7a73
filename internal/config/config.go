// Package config holds the netjs command configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/boomhut/goja-netloop/internal/certs"
)

// Duration is a time.Duration that decodes from a TOML string like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full command configuration.
type Config struct {
	// Script is the entry file to run.
	Script string `toml:"script"`

	// LogLevel is one of trace, debug, info, warning, error.
	LogLevel string `toml:"log_level"`

	// AdminAddr enables the admin HTTP endpoint when non-empty.
	AdminAddr string `toml:"admin_addr"`

	Net Net `toml:"net"`
}

// Net configures the socket host.
type Net struct {
	// BindHost is the address listeners bind to.
	BindHost string `toml:"bind_host"`

	// OpTimeout bounds each socket operation. Zero means no bound.
	OpTimeout Duration `toml:"op_timeout"`

	// MaxConcurrency bounds the goroutines running native operations.
	MaxConcurrency int64 `toml:"max_concurrency"`

	// TLS dials connections over TLS, trusting the certificates named by
	// CertEnv.
	TLS bool `toml:"tls"`

	// CertEnv names the environment variable holding the PEM file path.
	CertEnv string `toml:"cert_env"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		Net: Net{
			BindHost:       "127.0.0.1",
			OpTimeout:      Duration{30 * time.Second},
			MaxConcurrency: 64,
			CertEnv:        certs.DefaultEnv,
		},
	}
}

// Load decodes the TOML file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return Config{}, fmt.Errorf("decode %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	if c.Net.OpTimeout.Duration < 0 {
		return errors.New("config: negative net.op_timeout")
	}
	if c.Net.MaxConcurrency < 1 {
		return errors.New("config: net.max_concurrency must be positive")
	}
	return nil
}
