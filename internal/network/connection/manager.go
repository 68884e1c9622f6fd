package connection

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ConnectionState represents the state of a connection
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ConnectionEvent represents a connection event
type ConnectionEvent int

const (
	EventConnected ConnectionEvent = iota
	EventDisconnected
	EventHeartbeatTimeout
)

// ConnectionCallback is a callback function for connection events
type ConnectionCallback func(peerID string, event ConnectionEvent, conn *Connection)

// Dialer re-establishes a dropped connection through the transport
type Dialer func(peerID, address string, port int) error

// Connection represents a peer connection
type Connection struct {
	PeerID        string
	Address       string
	Port          int
	State         ConnectionState
	ConnectedAt   time.Time
	LastSeen      time.Time
	LastHeartbeat time.Time
	SessionKey    []byte
	RetryCount    int
	LastRetryAt   time.Time
	mu            sync.RWMutex
}

// ConnectionManager manages peer connections
type ConnectionManager struct {
	connections       map[string]*Connection
	mu                sync.RWMutex
	callbacks         []ConnectionCallback
	dialer            Dialer
	heartbeatInterval time.Duration
	maxRetryBackoff   time.Duration
	stopCh            chan struct{}
	stopOnce          sync.Once
}

// NewConnectionManager creates a new connection manager.
// heartbeatInterval controls health monitoring; a peer silent for two
// intervals is considered timed out.
func NewConnectionManager(heartbeatInterval time.Duration) *ConnectionManager {
	cm := &ConnectionManager{
		connections:       make(map[string]*Connection),
		callbacks:         make([]ConnectionCallback, 0),
		heartbeatInterval: heartbeatInterval,
		stopCh:            make(chan struct{}),
	}
	go cm.monitorConnections()
	return cm
}

// SetDialer sets the function used to re-establish dropped connections
func (cm *ConnectionManager) SetDialer(dialer Dialer) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.dialer = dialer
}

// Stop halts health monitoring
func (cm *ConnectionManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}

// AddConnection adds a new connection
func (cm *ConnectionManager) AddConnection(peerID, address string, port int) *Connection {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn := &Connection{
		PeerID:        peerID,
		Address:       address,
		Port:          port,
		State:         StateConnected,
		ConnectedAt:   time.Now(),
		LastSeen:      time.Now(),
		LastHeartbeat: time.Now(),
	}

	cm.connections[peerID] = conn

	go cm.notifyCallbacks(peerID, EventConnected, conn)

	return conn
}

// GetConnection retrieves a connection by peer ID
func (cm *ConnectionManager) GetConnection(peerID string) (*Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conn, exists := cm.connections[peerID]
	if !exists {
		return nil, fmt.Errorf("connection not found: %s", peerID)
	}
	return conn, nil
}

// UpdateConnectionState updates the state of a connection
func (cm *ConnectionManager) UpdateConnectionState(peerID string, state ConnectionState) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, exists := cm.connections[peerID]
	if !exists {
		return fmt.Errorf("connection not found: %s", peerID)
	}

	oldState := conn.State

	conn.mu.Lock()
	conn.State = state
	if state == StateConnected {
		conn.LastSeen = time.Now()
		conn.LastHeartbeat = time.Now()
		conn.RetryCount = 0
	}
	conn.mu.Unlock()

	if oldState != state {
		event := EventDisconnected
		if state == StateConnected {
			event = EventConnected
		}
		go cm.notifyCallbacks(peerID, event, conn)
	}

	return nil
}

// RemoveConnection removes a connection
func (cm *ConnectionManager) RemoveConnection(peerID string) {
	cm.mu.Lock()
	conn, exists := cm.connections[peerID]
	delete(cm.connections, peerID)
	cm.mu.Unlock()

	if exists {
		go cm.notifyCallbacks(peerID, EventDisconnected, conn)
	}
}

// GetAllConnections returns all connections
func (cm *ConnectionManager) GetAllConnections() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	connections := make([]*Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		connections = append(connections, conn)
	}
	return connections
}

// GetConnectedPeers returns all connected peer IDs
func (cm *ConnectionManager) GetConnectedPeers() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var peers []string
	for peerID, conn := range cm.connections {
		conn.mu.RLock()
		if conn.State == StateConnected {
			peers = append(peers, peerID)
		}
		conn.mu.RUnlock()
	}
	return peers
}

// AddConnectionCallback adds a callback for connection events
func (cm *ConnectionManager) AddConnectionCallback(callback ConnectionCallback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, callback)
}

// UpdateHeartbeat updates the heartbeat timestamp for a peer
func (cm *ConnectionManager) UpdateHeartbeat(peerID string) error {
	cm.mu.RLock()
	conn, exists := cm.connections[peerID]
	cm.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection not found: %s", peerID)
	}

	conn.mu.Lock()
	conn.LastHeartbeat = time.Now()
	conn.LastSeen = time.Now()
	conn.mu.Unlock()

	return nil
}

// GetSessionKey returns the session key for a peer
func (cm *ConnectionManager) GetSessionKey(peerID string) ([]byte, error) {
	conn, err := cm.GetConnection(peerID)
	if err != nil {
		return nil, err
	}

	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.SessionKey, nil
}

// SetSessionKey sets the session key for a peer
func (cm *ConnectionManager) SetSessionKey(peerID string, sessionKey []byte) error {
	cm.mu.RLock()
	conn, exists := cm.connections[peerID]
	cm.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection not found: %s", peerID)
	}

	conn.mu.Lock()
	conn.SessionKey = make([]byte, len(sessionKey))
	copy(conn.SessionKey, sessionKey)
	conn.mu.Unlock()

	return nil
}

// AttemptReconnection redials a disconnected peer if its exponential
// backoff window has elapsed.
func (cm *ConnectionManager) AttemptReconnection(peerID string) error {
	cm.mu.RLock()
	conn, exists := cm.connections[peerID]
	dialer := cm.dialer
	cm.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection not found: %s", peerID)
	}

	conn.mu.Lock()
	if conn.State == StateConnected {
		conn.mu.Unlock()
		return nil
	}

	now := time.Now()
	backoffDuration := cm.backoffDuration(conn.RetryCount)
	if now.Sub(conn.LastRetryAt) < backoffDuration {
		conn.mu.Unlock()
		return nil // Too soon to retry
	}

	conn.RetryCount++
	conn.LastRetryAt = now
	conn.State = StateConnecting
	address := conn.Address
	port := conn.Port
	conn.mu.Unlock()

	if dialer == nil {
		return nil
	}

	if err := dialer(peerID, address, port); err != nil {
		conn.mu.Lock()
		conn.State = StateDisconnected
		conn.mu.Unlock()
		return err
	}

	return cm.UpdateConnectionState(peerID, StateConnected)
}

// SetMaxRetryBackoff caps the reconnect backoff. Zero keeps the
// default of 5 minutes.
func (cm *ConnectionManager) SetMaxRetryBackoff(d time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.maxRetryBackoff = d
}

// backoffDuration computes exponential backoff with jitter: base 1s,
// multiplier 2, capped, shortened by up to 25% at random so peers that
// dropped together do not redial in lockstep.
func (cm *ConnectionManager) backoffDuration(retryCount int) time.Duration {
	if retryCount == 0 {
		return 0
	}

	cm.mu.RLock()
	maxDelay := cm.maxRetryBackoff
	cm.mu.RUnlock()
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	delay := float64(time.Second) * math.Pow(2, float64(retryCount-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	delay -= delay * 0.25 * rand.Float64()

	return time.Duration(delay)
}

// monitorConnections monitors connection health and triggers reconnections
func (cm *ConnectionManager) monitorConnections() {
	interval := cm.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.checkConnectionHealth()
		}
	}
}

// checkConnectionHealth checks for heartbeat timeouts and triggers reconnections
func (cm *ConnectionManager) checkConnectionHealth() {
	cm.mu.RLock()
	connections := make(map[string]*Connection, len(cm.connections))
	for k, v := range cm.connections {
		connections[k] = v
	}
	cm.mu.RUnlock()

	now := time.Now()
	heartbeatTimeout := cm.heartbeatInterval * 2

	for peerID, conn := range connections {
		conn.mu.RLock()
		state := conn.State
		lastHeartbeat := conn.LastHeartbeat
		conn.mu.RUnlock()

		switch state {
		case StateConnected:
			if now.Sub(lastHeartbeat) > heartbeatTimeout {
				cm.UpdateConnectionState(peerID, StateDisconnected)
				go cm.notifyCallbacks(peerID, EventHeartbeatTimeout, conn)
			}
		case StateDisconnected:
			go cm.AttemptReconnection(peerID)
		}
	}
}

// notifyCallbacks notifies all registered callbacks about a connection event
func (cm *ConnectionManager) notifyCallbacks(peerID string, event ConnectionEvent, conn *Connection) {
	cm.mu.RLock()
	callbacks := make([]ConnectionCallback, len(cm.callbacks))
	copy(callbacks, cm.callbacks)
	cm.mu.RUnlock()

	for _, callback := range callbacks {
		callback(peerID, event, conn)
	}
}
