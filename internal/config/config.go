package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. CONVSYNC_API_URL.
const EnvPrefix = "CONVSYNC"

// Config represents ~/.convsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile" envconfig:"DEFAULT_PROFILE" validate:"omitempty,max=64"`
	APIURL         string `toml:"api_url" envconfig:"API_URL" validate:"required,url"`
	SocketURL      string `toml:"socket_url" envconfig:"SOCKET_URL" validate:"required,url"`
	UserID         string `toml:"user_id" envconfig:"USER_ID" validate:"required"`
	APIToken       string `toml:"api_token" envconfig:"API_TOKEN"`
	LogLevel       string `toml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	MetricsAddr    string `toml:"metrics_addr" envconfig:"METRICS_ADDR" validate:"omitempty,hostname_port"`

	Channel ChannelConfig `toml:"channel" envconfig:"CHANNEL"`
	Outbox  OutboxConfig  `toml:"outbox" envconfig:"OUTBOX"`
}

// ChannelConfig tunes the realtime connection.
type ChannelConfig struct {
	HandshakeTimeout time.Duration `toml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT" validate:"gt=0"`
	PingPeriod       time.Duration `toml:"ping_period" envconfig:"PING_PERIOD" validate:"gt=0"`
	MaxRetries       uint64        `toml:"max_retries" envconfig:"MAX_RETRIES" validate:"gte=1,lte=100"`
	InitialBackoff   time.Duration `toml:"initial_backoff" envconfig:"INITIAL_BACKOFF" validate:"gt=0"`
	MaxBackoff       time.Duration `toml:"max_backoff" envconfig:"MAX_BACKOFF" validate:"gtefield=InitialBackoff"`
}

// OutboxConfig tunes optimistic action handling.
type OutboxConfig struct {
	MatchWindow time.Duration `toml:"match_window" envconfig:"MATCH_WINDOW" validate:"gt=0"`
	Retention   time.Duration `toml:"retention" envconfig:"RETENTION" validate:"gtefield=MatchWindow"`
	Workers     int           `toml:"workers" envconfig:"WORKERS" validate:"gte=1,lte=64"`
	SendTimeout time.Duration `toml:"send_timeout" envconfig:"SEND_TIMEOUT" validate:"gt=0"`
}

// Default returns a config with every tunable set. Endpoints and the user
// id have no default.
func Default() Config {
	return Config{
		LogLevel: "info",
		Channel: ChannelConfig{
			HandshakeTimeout: 10 * time.Second,
			PingPeriod:       30 * time.Second,
			MaxRetries:       5,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       30 * time.Second,
		},
		Outbox: OutboxConfig{
			MatchWindow: 30 * time.Second,
			Retention:   2 * time.Minute,
			Workers:     2,
			SendTimeout: 30 * time.Second,
		},
	}
}

// Load reads config from the given path on top of the defaults and applies
// environment overrides. A missing file is not an error. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks that the config is usable by the daemon.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
