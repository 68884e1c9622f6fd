package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/admin"
	"github.com/shopsync/shopsync/internal/config"
	"github.com/shopsync/shopsync/internal/fullsync"
	"github.com/shopsync/shopsync/internal/network"
	"github.com/shopsync/shopsync/internal/network/connection"
	"github.com/shopsync/shopsync/internal/network/discovery"
	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/network/transport"
	"github.com/shopsync/shopsync/internal/observability"
	"github.com/shopsync/shopsync/internal/store"
	"github.com/shopsync/shopsync/internal/sync"
	"github.com/shopsync/shopsync/internal/sync/conflict"
)

const (
	AppName    = "shopsync"
	AppVersion = "0.1.0"
)

func main() {
	var configPath = flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting shopsync", zap.String("version", AppVersion))

	db, err := store.NewDB(cfg.GetDBPath())
	if err != nil {
		logger.Fatal("Failed to open database",
			zap.Error(err),
			zap.String("path", cfg.GetDBPath()))
	}
	defer db.Close()

	nodeID, err := db.NodeID()
	if err != nil {
		logger.Fatal("Failed to load node identity", zap.Error(err))
	}
	logger = logger.WithNodeID(nodeID)
	logger.Info("Database ready", zap.String("path", cfg.GetDBPath()))

	ctx := context.Background()

	metricsEndpoint := ""
	if cfg.Observability.MetricsEnabled {
		metricsEndpoint = cfg.Observability.OTELendpoint
	}
	meterProvider, metricsShutdown, err := observability.InitMetricsProvider(ctx, metricsEndpoint, AppName)
	if err != nil {
		logger.Fatal("Failed to initialize metrics provider", zap.Error(err))
	}
	defer func() {
		if err := metricsShutdown(); err != nil {
			logger.Error("Failed to shutdown metrics provider", zap.Error(err))
		}
	}()

	metrics, err := observability.NewMetrics(meterProvider, AppName)
	if err != nil {
		logger.Fatal("Failed to initialize metrics", zap.Error(err))
	}

	if cfg.Observability.TracingEnabled {
		_, tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.OTELendpoint, AppName)
		if err != nil {
			logger.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			if err := tracingShutdown(); err != nil {
				logger.Error("Failed to shutdown tracing", zap.Error(err))
			}
		}()
	}

	// Change tracking and conflict resolution
	resolver := conflict.NewResolver(db)
	tracker, err := sync.NewTracker(db, nodeID, resolver, logger, metrics)
	if err != nil {
		logger.Fatal("Failed to initialize change tracker", zap.Error(err))
	}

	// Full sync engine
	engine, err := fullsync.NewEngine(db, fullsync.Config{
		SnapshotTool:   cfg.FullSync.SnapshotTool,
		SnapshotDir:    cfg.GetSnapshotDir(),
		DBPath:         cfg.GetDBPath(),
		ChunkSize:      cfg.FullSync.ChunkSize,
		Compression:    cfg.FullSync.Compression,
		CompressionLvl: cfg.FullSync.CompressionLvl,
		RateLimit:      cfg.FullSync.RateLimit,
	}, logger, metrics)
	if err != nil {
		logger.Fatal("Failed to initialize full sync engine", zap.Error(err))
	}
	defer engine.Close()
	if !engine.SupportsSnapshot() {
		logger.Warn("Snapshot tool not found, full syncs will stream records",
			zap.String("tool", cfg.FullSync.SnapshotTool))
	}

	// Transport
	heartbeatInterval := time.Duration(cfg.Network.HeartbeatInterval) * time.Second
	connManager := connection.NewConnectionManager(heartbeatInterval)
	connManager.SetMaxRetryBackoff(time.Duration(cfg.Sync.MaxRetryBackoff) * time.Second)
	defer connManager.Stop()

	transportFactory := &transport.TransportFactory{Logger: logger}
	networkTransport, err := transportFactory.NewTransport(cfg.Network.Protocol, cfg.Network.Port)
	if err != nil {
		logger.Fatal("Failed to create network transport", zap.Error(err))
	}
	if err := networkTransport.Start(); err != nil {
		if cfg.Network.Protocol != "tcp" {
			logger.Warn("Failed to start primary transport, attempting TCP fallback",
				zap.String("protocol", cfg.Network.Protocol), zap.Error(err))
			networkTransport, err = transportFactory.NewTransport("tcp", cfg.Network.Port)
			if err == nil {
				err = networkTransport.Start()
			}
		}
		if err != nil {
			logger.Fatal("Failed to start network transport", zap.Error(err))
		}
	}
	defer networkTransport.Stop()
	logger.Info("Network transport started",
		zap.String("protocol", cfg.Network.Protocol),
		zap.Int("port", cfg.Network.Port))

	connManager.SetDialer(func(peerID, address string, port int) error {
		return networkTransport.ConnectToPeer(peerID, address, port)
	})

	// Discovery
	announceInterval := time.Duration(cfg.Discovery.AnnounceInterval) * time.Second
	registry := discovery.NewRegistry(announceInterval, cfg.Discovery.MissedWindowsLimit)
	registry.Start()
	defer registry.Stop()

	// Messenger and session manager
	resolvePeer := func(peerID string) (string, int, bool) {
		info, err := registry.GetPeer(peerID)
		if err != nil {
			return "", 0, false
		}
		return info.Address, info.Port, true
	}
	messenger := network.NewMessenger(nodeID, connManager, networkTransport, resolvePeer, logger)

	manager := sync.NewManager(db, cfg, tracker, engine, logger, metrics)
	manager.SetMessenger(messenger)
	defer manager.Stop()

	handshaker := sync.NewHandshaker(nodeID, cfg.Discovery.RegistrationSecret, connManager, logger)
	handshaker.SetMessenger(messenger)
	manager.SetHandshakeHandler(handshaker)

	heartbeatManager := connection.NewHeartbeatManager(connManager, networkTransport, nodeID, heartbeatInterval)
	heartbeatManager.Start()
	defer heartbeatManager.Stop()
	manager.SetHeartbeatHandler(heartbeatManager.HandleHeartbeat)

	manager.SetPeerLister(func() []string {
		peers := registry.GetReachablePeers()
		ids := make([]string, 0, len(peers))
		for _, p := range peers {
			ids = append(ids, p.PeerID)
		}
		return ids
	})

	messenger.SetHandler(manager)

	// Discovery callbacks drive connection setup and catch-up syncs
	registry.OnPeerReachable(func(peer *discovery.PeerInfo) {
		logger.Info("peer reachable",
			zap.String("peer_id", peer.PeerID),
			zap.String("address", peer.Address),
			zap.Int("port", peer.Port),
			zap.Strings("capabilities", peer.Capabilities))

		if err := db.UpsertPeer(&store.Peer{
			PeerID:       peer.PeerID,
			Name:         peer.Name,
			Address:      peer.Address,
			Port:         peer.Port,
			Capabilities: peer.Capabilities,
			LastSeen:     time.Now(),
		}); err != nil {
			logger.Error("cannot persist peer", zap.Error(err))
		}
		if err := db.SetPeerReachable(peer.PeerID, true); err != nil {
			logger.Error("cannot update peer reachability", zap.Error(err))
		}
		metrics.PeersReachable.Add(ctx, 1)

		if open, err := db.OpenPartition(peer.PeerID); err == nil && open != nil {
			if err := db.ResolvePartition(peer.PeerID); err != nil {
				logger.Error("cannot resolve partition", zap.Error(err))
			} else {
				logger.Info("partition resolved",
					zap.String("peer_id", peer.PeerID),
					zap.Duration("outage", time.Since(open.DetectedAt)))
			}
		}

		connManager.AddConnection(peer.PeerID, peer.Address, peer.Port)
		if err := handshaker.Establish(peer.PeerID, 30*time.Second); err != nil {
			logger.Warn("handshake failed",
				zap.String("peer_id", peer.PeerID),
				zap.Error(err))
			return
		}
		manager.HandlePeerReachable(peer.PeerID)
	})

	registry.OnPeerPartitioned(func(peerID string, missedWindows int) {
		logger.Warn("peer partitioned",
			zap.String("peer_id", peerID),
			zap.Int("missed_windows", missedWindows))

		if err := db.SetPeerReachable(peerID, false); err != nil {
			logger.Error("cannot update peer reachability", zap.Error(err))
		}
		metrics.PeersReachable.Add(ctx, -1)
		metrics.PartitionsRecordedTotal.Add(ctx, 1)

		if err := db.InsertPartition(&store.Partition{
			PartitionID:   uuid.New().String(),
			PeerID:        peerID,
			DetectedAt:    time.Now(),
			MissedWindows: missedWindows,
		}); err != nil {
			logger.Error("cannot record partition", zap.Error(err))
		}
	})

	// Every node can stream records; snapshot transfer depends on the
	// dump tool being present.
	capabilities := []string{messages.StrategyRecordStream}
	if engine.SupportsSnapshot() {
		capabilities = append([]string{messages.StrategySnapshot}, capabilities...)
	}

	// Presence announcements over UDP broadcast, with unicast for
	// statically configured peers.
	announcer := discovery.NewAnnouncer(cfg.Discovery.Port, cfg.Network.Port,
		nodeID, cfg.Node.Name, AppVersion, cfg.Discovery.RegistrationSecret,
		announceInterval, registry, logger)
	announcer.SetStaticTargets(cfg.Network.StaticPeers)
	announcer.SetCapabilities(capabilities)
	if err := announcer.Start(); err != nil {
		logger.Warn("Presence announcer unavailable, relying on mDNS and static peers",
			zap.Error(err))
	} else {
		defer announcer.Stop()
	}

	var mdns *discovery.MDNSDiscovery
	if cfg.Discovery.MDNSEnabled {
		mdns = discovery.NewMDNSDiscovery(cfg.Network.Port, nodeID, cfg.Node.Name,
			AppVersion, cfg.Discovery.RegistrationSecret, registry)
		mdns.SetCapabilities(capabilities)
		if err := mdns.Start(); err != nil {
			logger.Warn("mDNS discovery unavailable", zap.Error(err))
			mdns = nil
		} else {
			defer mdns.Stop()
		}
	}

	// Event log pruning
	pruneStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-pruneStop:
				return
			case <-ticker.C:
				pruned, err := db.PruneEvents(cfg.Sync.EventRetentionLimit)
				if err != nil {
					logger.Error("event pruning failed", zap.Error(err))
					continue
				}
				if pruned > 0 {
					logger.Debug("pruned acknowledged events", zap.Int64("count", pruned))
				}
			}
		}
	}()
	defer close(pruneStop)

	// Operator surface
	if cfg.Admin.Enabled {
		adminServer := admin.NewServer(db, manager, nodeID, cfg.Admin.Port, logger)
		if err := adminServer.Start(); err != nil {
			logger.Error("Failed to start admin server", zap.Error(err))
		} else {
			defer adminServer.Stop()
		}
	}

	logger.Info("shopsync node running",
		zap.String("node_id", nodeID),
		zap.String("name", cfg.Node.Name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
}
