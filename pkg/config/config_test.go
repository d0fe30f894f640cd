package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("explicit missing file must fail, got %+v", cfg)
	}

	// no path at all falls back to defaults
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Bus.Kind != "ws" || cfg.Tunnel.RelayAddr == "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hydra.yaml")
	yaml := `
node_id: proxy-7
bus:
  kind: quic
  dial: "relay.example:4433"
tunnel:
  relay_addr: relay-main
  force_relay: true
  linger_ms: 500
relay:
  base_url: "http://10.0.0.5:8080"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "proxy-7" || cfg.Bus.Kind != "quic" || cfg.Bus.Dial != "relay.example:4433" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.Tunnel.ForceRelay || cfg.Tunnel.LingerMS != 500 {
		t.Fatalf("tunnel section not applied: %+v", cfg.Tunnel)
	}
	if cfg.Relay.BaseURL != "http://10.0.0.5:8080" {
		t.Fatalf("relay section not applied: %+v", cfg.Relay)
	}
	// untouched values keep their defaults
	if cfg.Tunnel.SendRetries != 3 || cfg.Relay.LineBatch != 16 {
		t.Fatalf("defaults lost on partial file: %+v", cfg)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HYDRA_LOG_LEVEL", "debug")
	t.Setenv("HYDRA_TUNNEL_RELAY_ADDR", "relay-env")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("env log level not applied: %q", cfg.Log.Level)
	}
	if cfg.Tunnel.RelayAddr != "relay-env" {
		t.Fatalf("env relay addr not applied: %q", cfg.Tunnel.RelayAddr)
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hydra.yaml")
	os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatalf("bogus log level accepted")
	}

	os.WriteFile(path, []byte("bus:\n  kind: carrier-pigeon\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatalf("bogus bus kind accepted")
	}
}
