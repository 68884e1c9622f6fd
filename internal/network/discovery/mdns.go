package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/shopsync/shopsync/internal/crypto"
)

// MDNSDiscovery supplements the UDP announcer with mDNS/DNS-SD, which
// crosses subnets that broadcast does not. Entries carrying a different
// registration key hash are ignored like any other foreign presence.
type MDNSDiscovery struct {
	serviceName string
	serviceType string
	domain      string
	port        int
	nodeID       string
	nodeName     string
	version      string
	regKeyHash   string
	capabilities []string
	registry     *Registry
	server       *zeroconf.Server
	resolver     *zeroconf.Resolver
	stopCh       chan struct{}
}

// NewMDNSDiscovery creates a new mDNS discovery service
func NewMDNSDiscovery(port int, nodeID, nodeName, version, regSecret string, registry *Registry) *MDNSDiscovery {
	return &MDNSDiscovery{
		serviceName: "shopsync",
		serviceType: "_shopsync._tcp",
		domain:      "local.",
		port:        port,
		nodeID:      nodeID,
		nodeName:    nodeName,
		version:     version,
		regKeyHash:  crypto.HashRegistrationKey(regSecret),
		registry:    registry,
		stopCh:      make(chan struct{}),
	}
}

// SetCapabilities sets the full-sync strategies advertised in the
// service's TXT record.
func (m *MDNSDiscovery) SetCapabilities(capabilities []string) {
	m.capabilities = capabilities
}

// Start starts the mDNS discovery service
func (m *MDNSDiscovery) Start() error {
	txtRecords := []string{
		fmt.Sprintf("node_id=%s", m.nodeID),
		fmt.Sprintf("name=%s", m.nodeName),
		fmt.Sprintf("port=%d", m.port),
		fmt.Sprintf("reg=%s", m.regKeyHash),
		fmt.Sprintf("version=%s", m.version),
		fmt.Sprintf("caps=%s", strings.Join(m.capabilities, ",")),
	}

	server, err := zeroconf.RegisterProxy(
		m.serviceName,
		m.serviceType,
		m.domain,
		m.port,
		m.nodeID, // instance name
		nil,      // no specific IPs
		txtRecords,
		nil, // no specific interfaces
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	m.server = server

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	m.resolver = resolver

	go m.browseServices()

	return nil
}

// Stop stops the mDNS discovery service
func (m *MDNSDiscovery) Stop() error {
	close(m.stopCh)
	if m.server != nil {
		m.server.Shutdown()
	}
	return nil
}

// browseServices browses for mDNS services
func (m *MDNSDiscovery) browseServices() {
	entries := make(chan *zeroconf.ServiceEntry, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-m.stopCh
		cancel()
	}()

	if err := m.resolver.Browse(ctx, m.serviceType, m.domain, entries); err != nil {
		return
	}

	for {
		select {
		case <-m.stopCh:
			return
		case entry := <-entries:
			if entry != nil {
				m.handleServiceEntry(entry)
			}
		}
	}
}

// handleServiceEntry processes a discovered service entry
func (m *MDNSDiscovery) handleServiceEntry(entry *zeroconf.ServiceEntry) {
	// Skip our own service
	if entry.Instance == m.nodeID {
		return
	}
	if len(entry.AddrIPv4) == 0 {
		return
	}

	var name, version, regHash string
	var capabilities []string
	port := entry.Port

	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "name="):
			name = txt[len("name="):]
		case strings.HasPrefix(txt, "port="):
			if p, err := strconv.Atoi(txt[len("port="):]); err == nil {
				port = p
			}
		case strings.HasPrefix(txt, "reg="):
			regHash = txt[len("reg="):]
		case strings.HasPrefix(txt, "version="):
			version = txt[len("version="):]
		case strings.HasPrefix(txt, "caps="):
			if caps := txt[len("caps="):]; caps != "" {
				capabilities = strings.Split(caps, ",")
			}
		}
	}

	if !crypto.CompareRegistrationKeyHashes(m.regKeyHash, regHash) {
		return
	}

	m.registry.AddOrUpdatePeer(entry.Instance, name, entry.AddrIPv4[0].String(), port, version, capabilities)
}
