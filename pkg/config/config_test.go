package config

import (
	"os"
	"path/filepath"
	"testing"

	"reqmux/pkg/protocol"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Listen.Kind != "tcp" || cfg.Session.ContentType != protocol.ContentCBOR {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reqmux.yaml")
	data := []byte(`
app_name: custom
listen:
  kind: quic
  address: ":4433"
session:
  keepalive_ms: 5000
  keepalive_timeout_ms: 15000
  initial_demand: 16
  content_type: application/json
log:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppName != "custom" {
		t.Fatalf("app_name = %q", cfg.AppName)
	}
	if cfg.Listen.Kind != "quic" || cfg.Listen.Address != ":4433" {
		t.Fatalf("listen = %+v", cfg.Listen)
	}
	if cfg.Session.KeepaliveMS != 5000 || cfg.Session.InitialDemand != 16 {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Session.ContentType != protocol.ContentJSON {
		t.Fatalf("content_type = %q", cfg.Session.ContentType)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log.level = %q", cfg.Log.Level)
	}
	// untouched values keep their defaults
	if cfg.Log.Format != "console" {
		t.Fatalf("log.format = %q", cfg.Log.Format)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("REQMUX_LOG_LEVEL", "warn")
	t.Setenv("REQMUX_LISTEN_ADDRESS", ":9999")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("log.level = %q", cfg.Log.Level)
	}
	if cfg.Listen.Address != ":9999" {
		t.Fatalf("listen.address = %q", cfg.Listen.Address)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Log.Level = "verbose" },
		func(c *Config) { c.Listen.Kind = "carrier-pigeon" },
		func(c *Config) { c.Listen.Address = "" },
		func(c *Config) { c.Session.KeepaliveMS = 0 },
		func(c *Config) { c.Session.KeepaliveTimeoutMS = c.Session.KeepaliveMS / 2 },
		func(c *Config) { c.Session.InitialDemand = 0 },
		func(c *Config) { c.Session.ContentType = "text/plain" },
		func(c *Config) { c.Service.StreamIntervalMS = -5 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
