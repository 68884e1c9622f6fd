package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the complete sync engine configuration
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Network       NetworkConfig       `yaml:"network"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Sync          SyncConfig          `yaml:"sync"`
	FullSync      FullSyncConfig      `yaml:"full_sync"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// NodeConfig identifies this installation
type NodeConfig struct {
	Name    string `yaml:"name"`     // defaults to hostname
	DataDir string `yaml:"data_dir"` // database and snapshot scratch space
}

// NetworkConfig contains sync transport settings
type NetworkConfig struct {
	Port              int      `yaml:"port"`
	Protocol          string   `yaml:"protocol"`           // "quic" or "tcp"
	HeartbeatInterval int      `yaml:"heartbeat_interval"` // seconds
	ConnectionTimeout int      `yaml:"connection_timeout"` // seconds
	StaticPeers       []string `yaml:"static_peers"`       // discovery host:port targets for unicast presence
}

// DiscoveryConfig contains presence announcement settings
type DiscoveryConfig struct {
	Port               int    `yaml:"port"`
	AnnounceInterval   int    `yaml:"announce_interval"`    // seconds
	MissedWindowsLimit int    `yaml:"missed_windows_limit"` // windows before a peer is declared partitioned
	RegistrationSecret string `yaml:"registration_secret"`
	MDNSEnabled        bool   `yaml:"mdns_enabled"`
}

// SyncConfig contains session and event-log settings
type SyncConfig struct {
	SessionTimeout       int `yaml:"session_timeout"`        // seconds, wall clock per session
	EventRetentionLimit  int `yaml:"event_retention_limit"`  // max retained events before peers are forced to full sync
	BatchSize            int `yaml:"batch_size"`             // events per incremental frame
	MaxRetryBackoff      int `yaml:"max_retry_backoff"`      // seconds, cap for session retry backoff
	OfflineQueueLimit    int `yaml:"offline_queue_limit"`    // entries per peer before escalation to full sync
	OfflineMaxAttempts   int `yaml:"offline_max_attempts"`   // delivery attempts before escalation
}

// FullSyncConfig contains snapshot transfer settings
type FullSyncConfig struct {
	SnapshotTool   string `yaml:"snapshot_tool"`   // external dump utility, e.g. "sqlite3"
	ChunkSize      int64  `yaml:"chunk_size"`      // bytes per snapshot chunk
	Compression    string `yaml:"compression"`     // zstd, lz4, gzip, none
	CompressionLvl int    `yaml:"compression_level"`
	RateLimit      int64  `yaml:"rate_limit"`      // bytes/sec for snapshot streaming, 0 = unlimited
}

// AdminConfig contains the operator HTTP surface settings
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	OTELendpoint   string `yaml:"otel_endpoint"`
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name:    "",
			DataDir: "/var/lib/shopsync",
		},
		Network: NetworkConfig{
			Port:              7465,
			Protocol:          "quic", // QUIC primary, TCP fallback
			HeartbeatInterval: 30,
			ConnectionTimeout: 60,
			StaticPeers:       []string{},
		},
		Discovery: DiscoveryConfig{
			Port:               7466,
			AnnounceInterval:   15,
			MissedWindowsLimit: 3,
			RegistrationSecret: "",
			MDNSEnabled:        true,
		},
		Sync: SyncConfig{
			SessionTimeout:      300,
			EventRetentionLimit: 50000,
			BatchSize:           200,
			MaxRetryBackoff:     300,
			OfflineQueueLimit:   10000,
			OfflineMaxAttempts:  5,
		},
		FullSync: FullSyncConfig{
			SnapshotTool:   "sqlite3",
			ChunkSize:      524288, // 512 KB
			Compression:    "zstd",
			CompressionLvl: 3,
			RateLimit:      0,
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    7467,
		},
		Observability: ObservabilityConfig{
			OTELendpoint:   "",
			LogLevel:       "info",
			MetricsEnabled: true,
			TracingEnabled: true,
		},
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	info, err := os.Stat(c.Node.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(c.Node.DataDir, 0o755); err != nil {
				return fmt.Errorf("cannot create data dir: %w", err)
			}
		} else {
			return fmt.Errorf("cannot access data dir: %w", err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("node.data_dir is not a directory")
	}

	// Port 0 means "use any available port"
	if c.Network.Port != 0 && (c.Network.Port < 1024 || c.Network.Port > 65535) {
		return fmt.Errorf("network.port must be 0 or between 1024 and 65535")
	}
	if c.Discovery.Port != 0 && (c.Discovery.Port < 1024 || c.Discovery.Port > 65535) {
		return fmt.Errorf("discovery.port must be 0 or between 1024 and 65535")
	}
	if c.Network.Protocol != "quic" && c.Network.Protocol != "tcp" && c.Network.Protocol != "" {
		return fmt.Errorf("network.protocol must be 'quic', 'tcp', or empty (defaults to quic)")
	}

	if c.Discovery.AnnounceInterval < 5 || c.Discovery.AnnounceInterval > 300 {
		return fmt.Errorf("discovery.announce_interval must be between 5 and 300 seconds")
	}
	if c.Discovery.MissedWindowsLimit < 1 {
		return fmt.Errorf("discovery.missed_windows_limit must be at least 1")
	}
	if c.Discovery.RegistrationSecret == "" {
		return fmt.Errorf("discovery.registration_secret is required; peers without it cannot join")
	}

	if c.Sync.SessionTimeout < 10 {
		return fmt.Errorf("sync.session_timeout must be at least 10 seconds")
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 10000 {
		return fmt.Errorf("sync.batch_size must be between 1 and 10000")
	}
	if c.Sync.EventRetentionLimit < 100 {
		return fmt.Errorf("sync.event_retention_limit must be at least 100")
	}

	if c.FullSync.ChunkSize < 4096 || c.FullSync.ChunkSize > 10485760 {
		return fmt.Errorf("full_sync.chunk_size must be between 4096 and 10485760 bytes")
	}
	if err := c.validateCompression(); err != nil {
		return fmt.Errorf("full_sync: %w", err)
	}

	if c.Observability.LogLevel != "debug" &&
		c.Observability.LogLevel != "info" &&
		c.Observability.LogLevel != "warn" &&
		c.Observability.LogLevel != "error" {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

func (c *Config) validateCompression() error {
	switch c.FullSync.Compression {
	case "zstd":
		if c.FullSync.CompressionLvl < 1 || c.FullSync.CompressionLvl > 22 {
			return fmt.Errorf("zstd level must be between 1 and 22")
		}
	case "lz4":
		if c.FullSync.CompressionLvl < 1 || c.FullSync.CompressionLvl > 16 {
			return fmt.Errorf("lz4 level must be between 1 and 16")
		}
	case "gzip":
		if c.FullSync.CompressionLvl < 1 || c.FullSync.CompressionLvl > 9 {
			return fmt.Errorf("gzip level must be between 1 and 9")
		}
	case "none":
	default:
		return fmt.Errorf("compression algorithm must be one of: zstd, lz4, gzip, none")
	}
	return nil
}

// GetDBPath returns the database file path
func (c *Config) GetDBPath() string {
	return filepath.Join(c.Node.DataDir, "shopsync.db")
}

// GetSnapshotDir returns the scratch directory for snapshot dumps
func (c *Config) GetSnapshotDir() string {
	return filepath.Join(c.Node.DataDir, "snapshots")
}
