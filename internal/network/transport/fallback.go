package transport

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/observability"
)

// FallbackTransport implements automatic QUIC-to-TCP fallback. QUIC is
// preferred; peers behind middleboxes that drop UDP get TCP, remembered
// per peer so later sends skip the failed attempt.
type FallbackTransport struct {
	primaryTransport  Transport // QUIC
	fallbackTransport Transport // TCP
	currentTransport  Transport
	handler           MessageHandler
	logger            *observability.Logger
	port              int
	mu                sync.RWMutex
	usedFallback      bool
	peerProtocols     map[string]string // peerID -> protocol (quic/tcp)
	peerProtocolsMu   sync.RWMutex
}

// NewFallbackTransport creates a new fallback transport that tries QUIC first, then TCP
func NewFallbackTransport(port int, logger *observability.Logger) *FallbackTransport {
	return &FallbackTransport{
		primaryTransport:  NewQUICTransport(port),
		fallbackTransport: NewTCPTransport(port),
		logger:            logger,
		port:              port,
		peerProtocols:     make(map[string]string),
	}
}

// Start starts the transport with automatic fallback
func (ft *FallbackTransport) Start() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	quicErr := ft.primaryTransport.Start()
	if quicErr == nil {
		ft.currentTransport = ft.primaryTransport
		ft.usedFallback = false
		ft.logger.Info("QUIC transport started", zap.Int("port", ft.port))

		if ft.handler != nil {
			ft.primaryTransport.SetMessageHandler(ft.handler)
		}
		// TCP also listens so TCP-only peers can still reach us
		if err := ft.fallbackTransport.Start(); err == nil {
			if ft.handler != nil {
				ft.fallbackTransport.SetMessageHandler(ft.handler)
			}
		}
		return nil
	}

	ft.logger.Warn("QUIC transport failed, falling back to TCP",
		zap.Int("port", ft.port), zap.Error(quicErr))

	if err := ft.fallbackTransport.Start(); err != nil {
		return fmt.Errorf("both transports failed to start: quic: %v, tcp: %w", quicErr, err)
	}

	ft.currentTransport = ft.fallbackTransport
	ft.usedFallback = true
	ft.logger.Info("TCP transport started", zap.Int("port", ft.port))

	if ft.handler != nil {
		ft.fallbackTransport.SetMessageHandler(ft.handler)
	}

	return nil
}

// Stop stops both transports
func (ft *FallbackTransport) Stop() error {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	var firstErr error
	if err := ft.primaryTransport.Stop(); err != nil {
		firstErr = err
	}
	if err := ft.fallbackTransport.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetMessageHandler sets the message handler for incoming messages
func (ft *FallbackTransport) SetMessageHandler(handler MessageHandler) error {
	ft.mu.Lock()
	ft.handler = handler
	ft.mu.Unlock()

	ft.primaryTransport.SetMessageHandler(handler)
	ft.fallbackTransport.SetMessageHandler(handler)
	return nil
}

// SendMessage sends a message with per-peer protocol fallback
func (ft *FallbackTransport) SendMessage(peerID string, address string, port int, msg *messages.Message) error {
	ft.mu.RLock()
	current := ft.currentTransport
	usedFallback := ft.usedFallback
	ft.mu.RUnlock()

	if current == nil {
		return fmt.Errorf("transport not started")
	}

	ft.peerProtocolsMu.RLock()
	knownProtocol, hasKnownProtocol := ft.peerProtocols[peerID]
	ft.peerProtocolsMu.RUnlock()

	if hasKnownProtocol {
		if knownProtocol == "quic" {
			return ft.primaryTransport.SendMessage(peerID, address, port, msg)
		}
		return ft.fallbackTransport.SendMessage(peerID, address, port, msg)
	}

	if !usedFallback {
		err := ft.primaryTransport.SendMessage(peerID, address, port, msg)
		if err == nil {
			ft.rememberProtocol(peerID, "quic")
			return nil
		}

		ft.logger.Debug("QUIC send failed, trying TCP",
			zap.String("peer_id", peerID), zap.Error(err))
		err = ft.fallbackTransport.SendMessage(peerID, address, port, msg)
		if err == nil {
			ft.rememberProtocol(peerID, "tcp")
			return nil
		}

		return fmt.Errorf("both QUIC and TCP failed for peer %s: %w", peerID, err)
	}

	return current.SendMessage(peerID, address, port, msg)
}

// ConnectToPeer establishes a connection with automatic fallback
func (ft *FallbackTransport) ConnectToPeer(peerID string, address string, port int) error {
	ft.mu.RLock()
	current := ft.currentTransport
	usedFallback := ft.usedFallback
	ft.mu.RUnlock()

	if current == nil {
		return fmt.Errorf("transport not started")
	}

	if !usedFallback {
		err := ft.primaryTransport.ConnectToPeer(peerID, address, port)
		if err == nil {
			ft.rememberProtocol(peerID, "quic")
			return nil
		}

		ft.logger.Debug("QUIC connection failed, trying TCP",
			zap.String("peer_id", peerID), zap.Error(err))
		err = ft.fallbackTransport.ConnectToPeer(peerID, address, port)
		if err == nil {
			ft.rememberProtocol(peerID, "tcp")
			return nil
		}

		return fmt.Errorf("both QUIC and TCP connection failed for peer %s: %w", peerID, err)
	}

	return current.ConnectToPeer(peerID, address, port)
}

// GetActiveProtocol returns the protocol currently in use globally
func (ft *FallbackTransport) GetActiveProtocol() string {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	if ft.usedFallback {
		return "tcp"
	}
	return "quic"
}

// GetPeerProtocol returns the protocol being used for a specific peer
func (ft *FallbackTransport) GetPeerProtocol(peerID string) string {
	ft.peerProtocolsMu.RLock()
	defer ft.peerProtocolsMu.RUnlock()

	protocol, exists := ft.peerProtocols[peerID]
	if !exists {
		return ft.GetActiveProtocol()
	}
	return protocol
}

func (ft *FallbackTransport) rememberProtocol(peerID, protocol string) {
	ft.peerProtocolsMu.Lock()
	ft.peerProtocols[peerID] = protocol
	ft.peerProtocolsMu.Unlock()
}
