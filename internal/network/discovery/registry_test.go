package discovery_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shopsync/shopsync/internal/network/discovery"
)

func TestAddOrUpdatePeerFiresReachableOnce(t *testing.T) {
	registry := discovery.NewRegistry(time.Second, 3)
	defer registry.Stop()

	var mu sync.Mutex
	calls := 0
	registry.OnPeerReachable(func(peer *discovery.PeerInfo) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if peer.PeerID != "node-b" || peer.Address != "10.0.0.2" || peer.Port != 7465 {
			t.Errorf("Unexpected callback peer: %s %s %d", peer.PeerID, peer.Address, peer.Port)
		}
	})

	registry.AddOrUpdatePeer("node-b", "till-2", "10.0.0.2", 7465, "1.0.0", nil)
	registry.AddOrUpdatePeer("node-b", "till-2", "10.0.0.2", 7465, "1.0.0", nil)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Errorf("Expected 1 reachable callback for repeated sightings, got %d", got)
	}

	peer, err := registry.GetPeer("node-b")
	if err != nil {
		t.Fatalf("Failed to get peer: %v", err)
	}
	if !peer.Reachable {
		t.Error("Expected peer to be reachable")
	}
}

func TestAddOrUpdatePeerCarriesCapabilities(t *testing.T) {
	registry := discovery.NewRegistry(time.Second, 3)
	defer registry.Stop()

	var mu sync.Mutex
	var seen []string
	registry.OnPeerReachable(func(peer *discovery.PeerInfo) {
		mu.Lock()
		seen = peer.Capabilities
		mu.Unlock()
	})

	caps := []string{"snapshot", "record_stream"}
	registry.AddOrUpdatePeer("node-b", "till-2", "10.0.0.2", 7465, "1.0.0", caps)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := seen
	mu.Unlock()
	if len(got) != 2 || got[0] != "snapshot" || got[1] != "record_stream" {
		t.Errorf("Callback missing advertised capabilities: %v", got)
	}

	peer, err := registry.GetPeer("node-b")
	if err != nil {
		t.Fatalf("Failed to get peer: %v", err)
	}
	if len(peer.Capabilities) != 2 || peer.Capabilities[0] != "snapshot" {
		t.Errorf("Registry dropped capabilities: %v", peer.Capabilities)
	}
}

func TestSweepPartitionsAfterMissedWindows(t *testing.T) {
	interval := 30 * time.Second
	registry := discovery.NewRegistry(interval, 3)
	defer registry.Stop()

	var mu sync.Mutex
	var partitionedID string
	var missed int
	registry.OnPeerPartitioned(func(peerID string, missedWindows int) {
		mu.Lock()
		defer mu.Unlock()
		partitionedID = peerID
		missed = missedWindows
	})

	registry.AddOrUpdatePeer("node-b", "till-2", "10.0.0.2", 7465, "1.0.0", nil)

	// Two missed windows: still considered reachable
	registry.SweepStalePeers(time.Now().Add(2 * interval))
	peer, _ := registry.GetPeer("node-b")
	if !peer.Reachable {
		t.Fatal("Peer partitioned too early")
	}

	// Third missed window crosses the limit
	registry.SweepStalePeers(time.Now().Add(3 * interval))
	peer, _ = registry.GetPeer("node-b")
	if peer.Reachable {
		t.Fatal("Peer still reachable after missing the window limit")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if partitionedID != "node-b" {
		t.Errorf("Expected partition callback for node-b, got %q", partitionedID)
	}
	if missed < 3 {
		t.Errorf("Expected at least 3 missed windows reported, got %d", missed)
	}
}

func TestPeerStaysRegisteredThroughPartition(t *testing.T) {
	interval := 30 * time.Second
	registry := discovery.NewRegistry(interval, 3)
	defer registry.Stop()

	registry.AddOrUpdatePeer("node-b", "till-2", "10.0.0.2", 7465, "1.0.0", nil)
	registry.SweepStalePeers(time.Now().Add(4 * interval))

	if _, err := registry.GetPeer("node-b"); err != nil {
		t.Fatalf("Partitioned peer dropped from registry: %v", err)
	}
	if len(registry.GetReachablePeers()) != 0 {
		t.Error("Partitioned peer listed as reachable")
	}
	if len(registry.GetAllPeers()) != 1 {
		t.Error("Partitioned peer missing from full listing")
	}
}

func TestReturningPeerFiresReachableAgain(t *testing.T) {
	interval := 30 * time.Second
	registry := discovery.NewRegistry(interval, 3)
	defer registry.Stop()

	var mu sync.Mutex
	calls := 0
	registry.OnPeerReachable(func(*discovery.PeerInfo) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	registry.AddOrUpdatePeer("node-b", "till-2", "10.0.0.2", 7465, "1.0.0", nil)
	registry.SweepStalePeers(time.Now().Add(4 * interval))

	// Peer announces again after the outage
	registry.AddOrUpdatePeer("node-b", "till-2", "10.0.0.2", 7465, "1.0.0", nil)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("Expected reachable callback on initial sighting and on return, got %d calls", calls)
	}

	peer, _ := registry.GetPeer("node-b")
	if !peer.Reachable {
		t.Error("Returning peer not marked reachable")
	}
}

func TestSweepIgnoresFreshPeers(t *testing.T) {
	interval := 30 * time.Second
	registry := discovery.NewRegistry(interval, 3)
	defer registry.Stop()

	fired := make(chan string, 1)
	registry.OnPeerPartitioned(func(peerID string, _ int) {
		fired <- peerID
	})

	registry.AddOrUpdatePeer("node-b", "till-2", "10.0.0.2", 7465, "1.0.0", nil)
	registry.SweepStalePeers(time.Now().Add(interval))

	select {
	case id := <-fired:
		t.Errorf("Fresh peer %s was partitioned", id)
	case <-time.After(50 * time.Millisecond):
	}
}
