package transport

import (
	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/observability"
)

// MessageHandler defines the interface for handling incoming messages
type MessageHandler interface {
	HandleMessage(msg *messages.Message) error
}

// Transport defines the interface for network transports
type Transport interface {
	// Start starts the transport
	Start() error
	// Stop stops the transport
	Stop() error
	// SetMessageHandler sets the message handler for incoming messages
	SetMessageHandler(handler MessageHandler) error
	// SendMessage sends a message to a specific peer at the given address
	SendMessage(peerID string, address string, port int, msg *messages.Message) error
	// ConnectToPeer establishes an outbound connection to a peer
	ConnectToPeer(peerID string, address string, port int) error
}

// TransportFactory creates transports based on configuration
type TransportFactory struct {
	Logger *observability.Logger
}

// NewTransport creates a transport for the configured protocol. An
// empty protocol gets QUIC with automatic per-peer TCP fallback.
func (f *TransportFactory) NewTransport(protocol string, port int) (Transport, error) {
	switch protocol {
	case "quic":
		return NewQUICTransport(port), nil
	case "tcp":
		return NewTCPTransport(port), nil
	default:
		return NewFallbackTransport(port, f.Logger), nil
	}
}
