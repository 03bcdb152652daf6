package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.APIURL = "https://api.example.org/api"
	cfg.SocketURL = "wss://api.example.org/socket"
	cfg.UserID = "u1"
	return cfg
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := validConfig()
	cfg.DefaultProfile = "work"
	cfg.Channel.MaxRetries = 9
	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Channel.MaxRetries != 9 {
		t.Errorf("MaxRetries = %d, want 9", loaded.Channel.MaxRetries)
	}
	if loaded.Outbox.MatchWindow != 30*time.Second {
		t.Errorf("MatchWindow = %s, want 30s", loaded.Outbox.MatchWindow)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadMissingUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channel.PingPeriod != 30*time.Second || cfg.Outbox.MatchWindow != 30*time.Second {
		t.Errorf("got %+v, want defaults", cfg)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject a config without endpoints")
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
api_url = "http://localhost:5000/api"
socket_url = "ws://localhost:5000/socket.io"
user_id = "u1"

[channel]
handshake_timeout = "3s"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channel.HandshakeTimeout != 3*time.Second {
		t.Errorf("HandshakeTimeout = %s, want 3s", cfg.Channel.HandshakeTimeout)
	}
	if cfg.Channel.PingPeriod != 30*time.Second {
		t.Errorf("PingPeriod = %s, want default 30s", cfg.Channel.PingPeriod)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := validConfig()
	if err := Save(path, &cfg); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONVSYNC_USER_ID", "from-env")
	t.Setenv("CONVSYNC_OUTBOX_WORKERS", "8")
	t.Setenv("CONVSYNC_CHANNEL_MAX_BACKOFF", "1m")

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.UserID != "from-env" {
		t.Errorf("UserID = %q, want from-env", loaded.UserID)
	}
	if loaded.Outbox.Workers != 8 {
		t.Errorf("Workers = %d, want 8", loaded.Outbox.Workers)
	}
	if loaded.Channel.MaxBackoff != time.Minute {
		t.Errorf("MaxBackoff = %s, want 1m", loaded.Channel.MaxBackoff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad api url", func(c *Config) { c.APIURL = "not a url" }},
		{"no user", func(c *Config) { c.UserID = "" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero workers", func(c *Config) { c.Outbox.Workers = 0 }},
		{"backoff inverted", func(c *Config) { c.Channel.MaxBackoff = time.Millisecond }},
		{"retention below window", func(c *Config) { c.Outbox.Retention = time.Second }},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}

	cfg := validConfig()
	cfg.MetricsAddr = "127.0.0.1:9464"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := validConfig()
	if err := Save(path, &cfg); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
