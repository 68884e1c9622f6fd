package discovery

import (
	"fmt"
	"sync"
	"time"
)

// PeerReachableCallback is called when a peer becomes reachable
type PeerReachableCallback func(peer *PeerInfo)

// PeerPartitionedCallback is called when a peer misses enough announce
// windows to be declared partitioned.
type PeerPartitionedCallback func(peerID string, missedWindows int)

// PeerInfo represents discovered peer information. Capabilities holds
// the full-sync strategies the peer announced.
type PeerInfo struct {
	PeerID       string
	Name         string
	Address      string
	Port         int
	Version      string
	Capabilities []string
	LastSeen     time.Time
	Reachable    bool
}

// Registry maintains a registry of discovered peers and watches for
// peers that stop announcing.
type Registry struct {
	peers              map[string]*PeerInfo
	mu                 sync.RWMutex
	reachableCallbacks []PeerReachableCallback
	partitionCallbacks []PeerPartitionedCallback
	announceInterval   time.Duration
	missedWindowsLimit int
	stopCh             chan struct{}
	stopOnce           sync.Once
}

// NewRegistry creates a peer registry. A peer is marked partitioned
// after missing missedWindowsLimit consecutive announce windows.
func NewRegistry(announceInterval time.Duration, missedWindowsLimit int) *Registry {
	return &Registry{
		peers:              make(map[string]*PeerInfo),
		announceInterval:   announceInterval,
		missedWindowsLimit: missedWindowsLimit,
		stopCh:             make(chan struct{}),
	}
}

// Start begins the partition sweep loop
func (r *Registry) Start() {
	go r.sweepLoop()
}

// Stop halts the sweep loop
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// AddOrUpdatePeer adds or refreshes a peer sighting. A peer returning
// from a partition is marked reachable again and callbacks fire.
func (r *Registry) AddOrUpdatePeer(peerID, name, address string, port int, version string, capabilities []string) {
	info := &PeerInfo{
		PeerID:       peerID,
		Name:         name,
		Address:      address,
		Port:         port,
		Version:      version,
		Capabilities: capabilities,
		LastSeen:     time.Now(),
		Reachable:    true,
	}

	r.mu.Lock()
	existing := r.peers[peerID]
	becameReachable := existing == nil || !existing.Reachable
	r.peers[peerID] = info
	r.mu.Unlock()

	if becameReachable {
		snapshot := *info
		r.notifyReachable(&snapshot)
	}
}

// GetPeer retrieves a peer by ID
func (r *Registry) GetPeer(peerID string) (*PeerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, exists := r.peers[peerID]
	if !exists {
		return nil, fmt.Errorf("peer not found: %s", peerID)
	}
	return peer, nil
}

// GetAllPeers returns all registered peers
func (r *Registry) GetAllPeers() []*PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	return peers
}

// GetReachablePeers returns only peers currently marked reachable
func (r *Registry) GetReachablePeers() []*PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		if peer.Reachable {
			peers = append(peers, peer)
		}
	}
	return peers
}

// RemovePeer removes a peer from the registry
func (r *Registry) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// OnPeerReachable registers a callback for peers becoming reachable
func (r *Registry) OnPeerReachable(callback PeerReachableCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reachableCallbacks = append(r.reachableCallbacks, callback)
}

// OnPeerPartitioned registers a callback for partition detection
func (r *Registry) OnPeerPartitioned(callback PeerPartitionedCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitionCallbacks = append(r.partitionCallbacks, callback)
}

// sweepLoop checks once per announce window for peers that went quiet
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.SweepStalePeers(time.Now())
		}
	}
}

// SweepStalePeers marks peers partitioned when their silence exceeds
// the missed-window limit. Peers stay registered so that sync state
// survives the partition; only reachability changes.
func (r *Registry) SweepStalePeers(now time.Time) {
	threshold := time.Duration(r.missedWindowsLimit) * r.announceInterval

	type partitioned struct {
		peerID string
		missed int
	}
	var newlyPartitioned []partitioned

	r.mu.Lock()
	for peerID, peer := range r.peers {
		if !peer.Reachable {
			continue
		}
		silence := now.Sub(peer.LastSeen)
		if silence >= threshold {
			peer.Reachable = false
			newlyPartitioned = append(newlyPartitioned, partitioned{
				peerID: peerID,
				missed: int(silence / r.announceInterval),
			})
		}
	}
	r.mu.Unlock()

	for _, p := range newlyPartitioned {
		r.notifyPartitioned(p.peerID, p.missed)
	}
}

func (r *Registry) notifyReachable(peer *PeerInfo) {
	r.mu.RLock()
	callbacks := make([]PeerReachableCallback, len(r.reachableCallbacks))
	copy(callbacks, r.reachableCallbacks)
	r.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(peer)
	}
}

func (r *Registry) notifyPartitioned(peerID string, missedWindows int) {
	r.mu.RLock()
	callbacks := make([]PeerPartitionedCallback, len(r.partitionCallbacks))
	copy(callbacks, r.partitionCallbacks)
	r.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(peerID, missedWindows)
	}
}
