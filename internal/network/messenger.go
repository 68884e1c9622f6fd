package network

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/crypto"
	"github.com/shopsync/shopsync/internal/network/connection"
	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/network/transport"
	"github.com/shopsync/shopsync/internal/observability"
)

// PeerResolver maps a node id to its current sync address, typically
// backed by the discovery registry.
type PeerResolver func(peerID string) (address string, port int, ok bool)

// Messenger sends protocol messages to peers by node id, encrypting
// payloads with the per-peer session key once the handshake has
// established one. Incoming messages are decrypted and forwarded to
// the application handler.
type Messenger struct {
	nodeID      string
	connManager *connection.ConnectionManager
	transport   transport.Transport
	resolver    PeerResolver
	handler     transport.MessageHandler
	logger      *observability.Logger
}

// NewMessenger wires the messenger between the transport and the
// application handler.
func NewMessenger(nodeID string, connManager *connection.ConnectionManager,
	tr transport.Transport, resolver PeerResolver, logger *observability.Logger) *Messenger {

	m := &Messenger{
		nodeID:      nodeID,
		connManager: connManager,
		transport:   tr,
		resolver:    resolver,
		logger:      logger,
	}
	tr.SetMessageHandler(m)
	return m
}

// SetHandler sets the application-level handler for decrypted messages
func (m *Messenger) SetHandler(handler transport.MessageHandler) {
	m.handler = handler
}

// Send delivers one message to a peer. The peer's address comes from
// the connection table, falling back to the discovery registry for
// peers we have not talked to yet.
func (m *Messenger) Send(peerID string, msg *messages.Message) error {
	conn, err := m.connManager.GetConnection(peerID)
	if err != nil {
		if m.resolver == nil {
			return fmt.Errorf("unknown peer: %s", peerID)
		}
		address, port, ok := m.resolver(peerID)
		if !ok {
			return fmt.Errorf("no known address for peer %s", peerID)
		}
		conn = m.connManager.AddConnection(peerID, address, port)
	}

	msg.SenderID = m.nodeID

	// Encrypt a copy so the caller can reuse the message for other peers.
	out := msg
	if len(conn.SessionKey) > 0 && !isHandshakeType(msg.Type) {
		clone := *msg
		if err := m.encryptPayload(&clone, conn.SessionKey); err != nil {
			return fmt.Errorf("cannot encrypt payload: %w", err)
		}
		out = &clone
	}

	if err := m.transport.SendMessage(peerID, conn.Address, conn.Port, out); err != nil {
		return fmt.Errorf("send to %s failed: %w", peerID, err)
	}
	return nil
}

// HandleMessage implements transport.MessageHandler, decrypting
// inbound payloads before handing them to the application.
func (m *Messenger) HandleMessage(msg *messages.Message) error {
	if msg.Encrypted {
		key, err := m.connManager.GetSessionKey(msg.SenderID)
		if err != nil || len(key) == 0 {
			m.logger.Warn("encrypted message from peer without session key",
				zap.String("peer_id", msg.SenderID),
				zap.String("type", msg.Type))
			return fmt.Errorf("no session key for %s", msg.SenderID)
		}
		if err := m.decryptPayload(msg, key); err != nil {
			return fmt.Errorf("cannot decrypt payload from %s: %w", msg.SenderID, err)
		}
	}

	// Any authenticated traffic proves liveness.
	m.connManager.UpdateHeartbeat(msg.SenderID)

	if m.handler == nil {
		return fmt.Errorf("no message handler configured")
	}

	latency := time.Since(time.UnixMilli(msg.Timestamp))
	if latency > 0 && latency < time.Minute {
		m.logger.Debug("message received",
			zap.String("type", msg.Type),
			zap.String("sender_id", msg.SenderID),
			zap.Duration("latency", latency))
	}

	return m.handler.HandleMessage(msg)
}

func (m *Messenger) encryptPayload(msg *messages.Message, key []byte) error {
	plaintext, err := messages.EncodePayload(msg.Payload)
	if err != nil {
		return err
	}
	encrypted, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return err
	}
	msg.Payload = encrypted
	msg.Encrypted = true
	return nil
}

func (m *Messenger) decryptPayload(msg *messages.Message, key []byte) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	var encrypted crypto.EncryptedMessage
	if err := json.Unmarshal(raw, &encrypted); err != nil {
		return err
	}
	plaintext, err := crypto.Decrypt(&encrypted, key)
	if err != nil {
		return err
	}

	var payload interface{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return err
	}
	msg.Payload = payload
	msg.Encrypted = false
	return nil
}

// isHandshakeType reports messages that must travel in the clear
// because no session key exists yet.
func isHandshakeType(msgType string) bool {
	switch msgType {
	case messages.TypeHello, messages.TypeHelloAck, messages.TypeHelloComplete:
		return true
	}
	return false
}
