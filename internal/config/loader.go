package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Load from YAML file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(cfg)

	if cfg.Node.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Node.Name = host
		} else {
			cfg.Node.Name = "shopsync-node"
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	if val := os.Getenv("SHOPSYNC_NODE_NAME"); val != "" {
		cfg.Node.Name = val
	}
	if val := os.Getenv("SHOPSYNC_DATA_DIR"); val != "" {
		cfg.Node.DataDir = val
	}

	// Network settings
	if val := os.Getenv("SHOPSYNC_PORT"); val != "" {
		if port := parseInt(val); port > 0 {
			cfg.Network.Port = port
		}
	}
	if val := os.Getenv("SHOPSYNC_PROTOCOL"); val != "" {
		cfg.Network.Protocol = val
	}

	// Manual peer list
	if val := os.Getenv("SHOPSYNC_PEERS"); val != "" {
		peers := strings.Split(val, ",")
		cfg.Network.StaticPeers = make([]string, 0, len(peers))
		for _, peer := range peers {
			peer = strings.TrimSpace(peer)
			if peer != "" {
				cfg.Network.StaticPeers = append(cfg.Network.StaticPeers, peer)
			}
		}
	}

	// Discovery settings
	if val := os.Getenv("SHOPSYNC_DISCOVERY_PORT"); val != "" {
		if port := parseInt(val); port > 0 {
			cfg.Discovery.Port = port
		}
	}
	if val := os.Getenv("SHOPSYNC_REGISTRATION_SECRET"); val != "" {
		cfg.Discovery.RegistrationSecret = val
	}
	if val := os.Getenv("SHOPSYNC_ANNOUNCE_INTERVAL"); val != "" {
		if n := parseInt(val); n > 0 {
			cfg.Discovery.AnnounceInterval = n
		}
	}
	if val := os.Getenv("SHOPSYNC_MDNS_ENABLED"); val != "" {
		cfg.Discovery.MDNSEnabled = val == "true" || val == "1"
	}

	// Full-sync settings
	if val := os.Getenv("SHOPSYNC_SNAPSHOT_TOOL"); val != "" {
		cfg.FullSync.SnapshotTool = val
	}
	if val := os.Getenv("SHOPSYNC_COMPRESSION"); val != "" {
		cfg.FullSync.Compression = val
	}

	// Observability settings
	if val := os.Getenv("SHOPSYNC_OTEL_ENDPOINT"); val != "" {
		cfg.Observability.OTELendpoint = val
	}
	if val := os.Getenv("SHOPSYNC_LOG_LEVEL"); val != "" {
		cfg.Observability.LogLevel = val
	}
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
