package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopsync/shopsync/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.DataDir = t.TempDir()
	cfg.Discovery.RegistrationSecret = "store-42-secret"
	return cfg
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Network.Port != 7465 {
		t.Errorf("Expected default sync port 7465, got %d", cfg.Network.Port)
	}
	if cfg.Network.Protocol != "quic" {
		t.Errorf("Expected quic as default protocol, got %s", cfg.Network.Protocol)
	}
	if cfg.Discovery.MissedWindowsLimit != 3 {
		t.Errorf("Expected 3 missed windows before partition, got %d", cfg.Discovery.MissedWindowsLimit)
	}
	if cfg.FullSync.SnapshotTool != "sqlite3" {
		t.Errorf("Expected sqlite3 snapshot tool, got %s", cfg.FullSync.SnapshotTool)
	}
	if cfg.FullSync.Compression != "zstd" {
		t.Errorf("Expected zstd compression, got %s", cfg.FullSync.Compression)
	}
	if !cfg.Discovery.MDNSEnabled {
		t.Error("Expected mDNS enabled by default")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Errorf("Valid config rejected: %v", err)
	}
}

func TestValidateRejectsMissingRegistrationSecret(t *testing.T) {
	cfg := validConfig(t)
	cfg.Discovery.RegistrationSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for missing registration secret")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"privileged port", func(c *config.Config) { c.Network.Port = 80 }},
		{"unknown protocol", func(c *config.Config) { c.Network.Protocol = "udp" }},
		{"announce interval too short", func(c *config.Config) { c.Discovery.AnnounceInterval = 1 }},
		{"zero missed windows", func(c *config.Config) { c.Discovery.MissedWindowsLimit = 0 }},
		{"session timeout too short", func(c *config.Config) { c.Sync.SessionTimeout = 5 }},
		{"batch size too large", func(c *config.Config) { c.Sync.BatchSize = 20000 }},
		{"retention too small", func(c *config.Config) { c.Sync.EventRetentionLimit = 50 }},
		{"chunk size too small", func(c *config.Config) { c.FullSync.ChunkSize = 100 }},
		{"unknown compression", func(c *config.Config) { c.FullSync.Compression = "brotli" }},
		{"zstd level out of range", func(c *config.Config) { c.FullSync.CompressionLvl = 30 }},
		{"bad log level", func(c *config.Config) { c.Observability.LogLevel = "trace" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
		})
	}
}

func TestValidateAllowsPortZero(t *testing.T) {
	cfg := validConfig(t)
	cfg.Network.Port = 0
	cfg.Discovery.Port = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Port 0 should mean any available port: %v", err)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
node:
  name: till-3
  data_dir: ` + dir + `
network:
  port: 8465
  protocol: tcp
discovery:
  registration_secret: yaml-secret
  announce_interval: 20
sync:
  batch_size: 50
full_sync:
  compression: lz4
  compression_level: 4
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.Name != "till-3" {
		t.Errorf("Expected node name till-3, got %s", cfg.Node.Name)
	}
	if cfg.Network.Port != 8465 || cfg.Network.Protocol != "tcp" {
		t.Errorf("Network overrides not applied: %+v", cfg.Network)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("Expected batch size 50, got %d", cfg.Sync.BatchSize)
	}
	if cfg.FullSync.Compression != "lz4" {
		t.Errorf("Expected lz4, got %s", cfg.FullSync.Compression)
	}
	// Unset fields keep their defaults
	if cfg.Sync.SessionTimeout != 300 {
		t.Errorf("Expected default session timeout, got %d", cfg.Sync.SessionTimeout)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
node:
  data_dir: ` + dir + `
network:
  port: 8465
discovery:
  registration_secret: file-secret
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("SHOPSYNC_PORT", "9465")
	t.Setenv("SHOPSYNC_REGISTRATION_SECRET", "env-secret")
	t.Setenv("SHOPSYNC_PEERS", "10.0.0.2:7466, 10.0.0.3:7466,")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Network.Port != 9465 {
		t.Errorf("Environment port override lost, got %d", cfg.Network.Port)
	}
	if cfg.Discovery.RegistrationSecret != "env-secret" {
		t.Errorf("Environment secret override lost, got %s", cfg.Discovery.RegistrationSecret)
	}
	if len(cfg.Network.StaticPeers) != 2 || cfg.Network.StaticPeers[1] != "10.0.0.3:7466" {
		t.Errorf("Peer list not parsed: %v", cfg.Network.StaticPeers)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SHOPSYNC_DATA_DIR", t.TempDir())
	t.Setenv("SHOPSYNC_REGISTRATION_SECRET", "env-secret")

	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Missing config file should not fail: %v", err)
	}
	if cfg.Network.Port != 7465 {
		t.Errorf("Expected default port, got %d", cfg.Network.Port)
	}
	if cfg.Node.Name == "" {
		t.Error("Expected node name to default to hostname")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("network: [not a map"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := config.LoadConfig(configPath); err == nil {
		t.Error("Expected parse error for invalid YAML")
	} else if !strings.Contains(err.Error(), "parse") {
		t.Errorf("Expected parse failure, got %v", err)
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Node.DataDir = "/data/shopsync"

	if got := cfg.GetDBPath(); got != "/data/shopsync/shopsync.db" {
		t.Errorf("Unexpected db path %s", got)
	}
	if got := cfg.GetSnapshotDir(); got != "/data/shopsync/snapshots" {
		t.Errorf("Unexpected snapshot dir %s", got)
	}
}
