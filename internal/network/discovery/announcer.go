package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/crypto"
	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/observability"
)

// Announcer broadcasts presence messages on the LAN and listens for
// presence from other installations. Peers announcing a different
// registration key hash are ignored without registration.
type Announcer struct {
	discoveryPort int
	syncPort      int
	nodeID        string
	nodeName      string
	version       string
	regKeyHash    string
	interval      time.Duration
	registry      *Registry
	logger        *observability.Logger
	conn          *net.UDPConn
	staticTargets []string
	capabilities  []string
	stopCh        chan struct{}
}

// NewAnnouncer creates a presence announcer. regSecret is the shared
// registration key; only its hash ever goes on the wire.
func NewAnnouncer(discoveryPort, syncPort int, nodeID, nodeName, version, regSecret string, interval time.Duration, registry *Registry, logger *observability.Logger) *Announcer {
	return &Announcer{
		discoveryPort: discoveryPort,
		syncPort:      syncPort,
		nodeID:        nodeID,
		nodeName:      nodeName,
		version:       version,
		regKeyHash:    crypto.HashRegistrationKey(regSecret),
		interval:      interval,
		registry:      registry,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// SetStaticTargets adds host:port discovery addresses that receive a
// unicast copy of every presence announcement, for peers on networks
// where broadcast does not reach.
func (a *Announcer) SetStaticTargets(targets []string) {
	a.staticTargets = targets
}

// SetCapabilities sets the full-sync strategies advertised in every
// presence announcement.
func (a *Announcer) SetCapabilities(capabilities []string) {
	a.capabilities = capabilities
}

// Start binds the discovery port and begins announcing. A bind failure
// returns an error so the caller can fall back to static peer
// configuration instead of crashing the node.
func (a *Announcer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", a.discoveryPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind discovery port %d: %w", a.discoveryPort, err)
	}
	a.conn = conn

	go a.listen()
	go a.announceLoop()

	a.logger.Info("presence announcer started",
		zap.Int("discovery_port", a.discoveryPort),
		zap.Duration("interval", a.interval))
	return nil
}

// Stop stops announcing and closes the socket
func (a *Announcer) Stop() error {
	close(a.stopCh)
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// listen receives presence broadcasts from other nodes
func (a *Announcer) listen() {
	buffer := make([]byte, 4096)
	for {
		select {
		case <-a.stopCh:
			return
		default:
			a.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, addr, err := a.conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				continue
			}

			var msg messages.Message
			if err := json.Unmarshal(buffer[:n], &msg); err != nil {
				continue
			}
			if msg.Type != messages.TypePresence {
				continue
			}

			payloadBytes, err := json.Marshal(msg.Payload)
			if err != nil {
				continue
			}
			var presence messages.PresenceMessage
			if err := json.Unmarshal(payloadBytes, &presence); err != nil {
				continue
			}

			a.handlePresence(&presence, addr)
		}
	}
}

// handlePresence registers a peer from its presence message after
// verifying the registration key hash in constant time.
func (a *Announcer) handlePresence(p *messages.PresenceMessage, addr *net.UDPAddr) {
	// Our own broadcast loops back
	if p.NodeID == a.nodeID {
		return
	}

	if !crypto.CompareRegistrationKeyHashes(a.regKeyHash, p.RegKeyHash) {
		a.logger.Debug("ignoring presence with foreign registration key",
			zap.String("node_id", p.NodeID),
			zap.String("address", addr.IP.String()))
		return
	}

	// The announced address wins so a multi-homed node controls how
	// peers dial back; the packet source is the fallback.
	address := p.IPAddress
	if address == "" {
		address = addr.IP.String()
	}

	a.registry.AddOrUpdatePeer(p.NodeID, p.Name, address, p.Port, p.Version, p.Capabilities)
}

// announceLoop broadcasts presence at the configured interval. The
// first announcement goes out immediately so restarts are noticed fast.
func (a *Announcer) announceLoop() {
	a.sendPresence()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sendPresence()
		}
	}
}

// sendPresence sends one presence broadcast to the subnet
func (a *Announcer) sendPresence() {
	msg := messages.NewMessage(
		messages.TypePresence,
		a.nodeID,
		messages.PresenceMessage{
			NodeID:       a.nodeID,
			Name:         a.nodeName,
			IPAddress:    localIP(),
			Port:         a.syncPort,
			RegKeyHash:   a.regKeyHash,
			Version:      a.version,
			Capabilities: a.capabilities,
		},
	)

	data, err := msg.Encode()
	if err != nil {
		return
	}

	targets := append([]string{fmt.Sprintf("255.255.255.255:%d", a.discoveryPort)}, a.staticTargets...)
	a.broadcast(data, targets)
}

func (a *Announcer) broadcast(data []byte, targets []string) {
	for _, target := range targets {
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			continue
		}

		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			a.logger.Debug("presence send failed",
				zap.String("target", target), zap.Error(err))
			continue
		}
		conn.Write(data)
		conn.Close()
	}
}

// localIP finds the interface address peers can dial back. Dialing the
// broadcast address sends nothing; it only resolves the outbound
// interface. Empty on failure, in which case receivers fall back to
// the packet's source address.
func localIP() string {
	conn, err := net.Dial("udp4", "255.255.255.255:1")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
