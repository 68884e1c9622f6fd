package connection

import (
	"sync"
	"time"

	"github.com/shopsync/shopsync/internal/network/messages"
)

// HeartbeatManager manages heartbeat messages for connection health monitoring
type HeartbeatManager struct {
	connManager *ConnectionManager
	transport   Transport
	nodeID      string
	interval    time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// Transport interface for heartbeat manager
type Transport interface {
	SendMessage(peerID string, address string, port int, msg *messages.Message) error
}

// NewHeartbeatManager creates a new heartbeat manager
func NewHeartbeatManager(connManager *ConnectionManager, transport Transport, nodeID string, interval time.Duration) *HeartbeatManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HeartbeatManager{
		connManager: connManager,
		transport:   transport,
		nodeID:      nodeID,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the heartbeat manager
func (hm *HeartbeatManager) Start() {
	go hm.sendHeartbeats()
}

// Stop stops the heartbeat manager
func (hm *HeartbeatManager) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopCh) })
}

// sendHeartbeats sends periodic heartbeat messages to all connected peers
func (hm *HeartbeatManager) sendHeartbeats() {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.stopCh:
			return
		case <-ticker.C:
			hm.sendHeartbeatToAllPeers()
		}
	}
}

// sendHeartbeatToAllPeers sends heartbeat messages to all connected peers
func (hm *HeartbeatManager) sendHeartbeatToAllPeers() {
	for _, peerID := range hm.connManager.GetConnectedPeers() {
		go hm.sendHeartbeatToPeer(peerID)
	}
}

// sendHeartbeatToPeer sends a heartbeat message to a specific peer
func (hm *HeartbeatManager) sendHeartbeatToPeer(peerID string) {
	conn, err := hm.connManager.GetConnection(peerID)
	if err != nil {
		return
	}

	heartbeatMsg := messages.NewMessage(
		messages.TypeHeartbeat,
		hm.nodeID,
		messages.HeartbeatMessage{
			NodeID:    hm.nodeID,
			Timestamp: time.Now().UnixMilli(),
		},
	)

	// Failures surface through the heartbeat timeout in the manager
	hm.transport.SendMessage(peerID, conn.Address, conn.Port, heartbeatMsg)
}

// HandleHeartbeat records an incoming heartbeat from a peer
func (hm *HeartbeatManager) HandleHeartbeat(peerID string) {
	hm.connManager.UpdateHeartbeat(peerID)
}

// GetHeartbeatTimeout returns the heartbeat timeout (2x interval)
func (hm *HeartbeatManager) GetHeartbeatTimeout() time.Duration {
	return hm.interval * 2
}
