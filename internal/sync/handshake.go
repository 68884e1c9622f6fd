package sync

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/crypto"
	"github.com/shopsync/shopsync/internal/network/connection"
	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/observability"
)

// Handshaker runs the hello exchange on new connections: both sides
// prove knowledge of the registration secret with an HMAC
// challenge/response, and an X25519 exchange yields the session key
// stored on the connection.
type Handshaker struct {
	nodeID      string
	auth        *crypto.Authenticator
	connManager *connection.ConnectionManager
	messenger   Messenger
	logger      *observability.Logger

	mu      sync.Mutex
	pending map[string]*handshakeState
}

type handshakeState struct {
	keyPair    *crypto.KeyPair
	localNonce []byte
	challenge  []byte
	sessionKey []byte
	initiator  bool
	done       chan error
	startedAt  time.Time
}

// NewHandshaker creates the handshake layer for a node
func NewHandshaker(nodeID, registrationSecret string, connManager *connection.ConnectionManager,
	logger *observability.Logger) *Handshaker {
	return &Handshaker{
		nodeID:      nodeID,
		auth:        crypto.NewAuthenticator(registrationSecret),
		connManager: connManager,
		logger:      logger,
		pending:     make(map[string]*handshakeState),
	}
}

// SetMessenger wires the outbound message path
func (h *Handshaker) SetMessenger(messenger Messenger) {
	h.messenger = messenger
}

// Establish runs the initiator side of the handshake and blocks until
// a session key is agreed or the timeout elapses. It is a no-op when a
// key already exists for the peer.
func (h *Handshaker) Establish(peerID string, timeout time.Duration) error {
	if key, err := h.connManager.GetSessionKey(peerID); err == nil && len(key) > 0 {
		return nil
	}

	h.mu.Lock()
	if _, inFlight := h.pending[peerID]; inFlight {
		h.mu.Unlock()
		return fmt.Errorf("handshake with %s already in progress", peerID)
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("cannot generate key pair: %w", err)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("cannot generate nonce: %w", err)
	}
	challenge, err := h.auth.GenerateChallenge()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("cannot generate challenge: %w", err)
	}

	state := &handshakeState{
		keyPair:    keyPair,
		localNonce: nonce,
		challenge:  challenge,
		initiator:  true,
		done:       make(chan error, 1),
		startedAt:  time.Now(),
	}
	h.pending[peerID] = state
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, peerID)
		h.mu.Unlock()
	}()

	hello := messages.NewMessage(messages.TypeHello, h.nodeID, messages.HelloMessage{
		NodeID:        h.nodeID,
		PublicKey:     crypto.EncodePublicKey(keyPair.PublicKey),
		Nonce:         nonce,
		AuthChallenge: challenge,
	})
	if err := h.messenger.Send(peerID, hello); err != nil {
		return fmt.Errorf("cannot send hello: %w", err)
	}

	select {
	case err := <-state.done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("handshake with %s timed out", peerID)
	}
}

// HandleMessage processes hello traffic routed from the manager
func (h *Handshaker) HandleMessage(msg *messages.Message) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("cannot re-encode handshake payload: %w", err)
	}
	payload, err := messages.DecodePayload(raw, msg.Type)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *messages.HelloMessage:
		return h.handleHello(p)
	case *messages.HelloAckMessage:
		return h.handleHelloAck(p)
	case *messages.HelloCompleteMessage:
		return h.handleHelloComplete(msg.SenderID, p)
	default:
		return fmt.Errorf("unexpected handshake message: %s", msg.Type)
	}
}

// handleHello runs the responder side: answer the initiator's challenge
// and issue one of our own.
func (h *Handshaker) handleHello(hello *messages.HelloMessage) error {
	peerPub, err := crypto.DecodePublicKey(hello.PublicKey)
	if err != nil {
		return fmt.Errorf("bad public key from %s: %w", hello.NodeID, err)
	}

	response, err := h.auth.GenerateResponse(hello.AuthChallenge)
	if err != nil {
		return err
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("cannot generate key pair: %w", err)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("cannot generate nonce: %w", err)
	}
	challenge, err := h.auth.GenerateChallenge()
	if err != nil {
		return err
	}

	shared, err := crypto.ComputeSharedSecret(keyPair.PrivateKey, peerPub)
	if err != nil {
		return fmt.Errorf("cannot compute shared secret: %w", err)
	}
	sessionKey, err := crypto.DeriveSessionKeyFromNonces(shared, hello.Nonce, nonce)
	if err != nil {
		return fmt.Errorf("cannot derive session key: %w", err)
	}

	h.mu.Lock()
	h.pending[hello.NodeID] = &handshakeState{
		keyPair:    keyPair,
		localNonce: nonce,
		challenge:  challenge,
		sessionKey: sessionKey,
		done:       make(chan error, 1),
		startedAt:  time.Now(),
	}
	h.mu.Unlock()

	ack := messages.NewMessage(messages.TypeHelloAck, h.nodeID, messages.HelloAckMessage{
		NodeID:        h.nodeID,
		AuthResponse:  response,
		PublicKey:     crypto.EncodePublicKey(keyPair.PublicKey),
		Nonce:         nonce,
		AuthChallenge: challenge,
	})
	return h.messenger.Send(hello.NodeID, ack)
}

// handleHelloAck finishes the initiator side: verify the responder
// knows the secret, derive the key, and answer its challenge.
func (h *Handshaker) handleHelloAck(ack *messages.HelloAckMessage) error {
	h.mu.Lock()
	state := h.pending[ack.NodeID]
	h.mu.Unlock()
	if state == nil || !state.initiator {
		return fmt.Errorf("unexpected hello ack from %s", ack.NodeID)
	}

	fail := func(err error) error {
		state.done <- err
		return err
	}

	if !h.auth.VerifyResponse(state.challenge, ack.AuthResponse) {
		h.logger.Warn("peer failed authentication", zap.String("peer_id", ack.NodeID))
		return fail(fmt.Errorf("peer %s failed authentication", ack.NodeID))
	}

	peerPub, err := crypto.DecodePublicKey(ack.PublicKey)
	if err != nil {
		return fail(fmt.Errorf("bad public key from %s: %w", ack.NodeID, err))
	}
	shared, err := crypto.ComputeSharedSecret(state.keyPair.PrivateKey, peerPub)
	if err != nil {
		return fail(err)
	}
	sessionKey, err := crypto.DeriveSessionKeyFromNonces(shared, state.localNonce, ack.Nonce)
	if err != nil {
		return fail(err)
	}

	response, err := h.auth.GenerateResponse(ack.AuthChallenge)
	if err != nil {
		return fail(err)
	}
	complete := messages.NewMessage(messages.TypeHelloComplete, h.nodeID, messages.HelloCompleteMessage{
		AuthResponse: response,
	})
	if err := h.messenger.Send(ack.NodeID, complete); err != nil {
		return fail(fmt.Errorf("cannot send hello complete: %w", err))
	}

	if err := h.connManager.SetSessionKey(ack.NodeID, sessionKey); err != nil {
		return fail(err)
	}
	h.logger.Info("handshake established", zap.String("peer_id", ack.NodeID))
	state.done <- nil
	return nil
}

// handleHelloComplete finishes the responder side
func (h *Handshaker) handleHelloComplete(senderID string, complete *messages.HelloCompleteMessage) error {
	h.mu.Lock()
	state := h.pending[senderID]
	delete(h.pending, senderID)
	h.mu.Unlock()
	if state == nil || state.initiator {
		return fmt.Errorf("unexpected hello complete from %s", senderID)
	}

	if !h.auth.VerifyResponse(state.challenge, complete.AuthResponse) {
		h.logger.Warn("peer failed authentication", zap.String("peer_id", senderID))
		return fmt.Errorf("peer %s failed authentication", senderID)
	}

	if err := h.connManager.SetSessionKey(senderID, state.sessionKey); err != nil {
		return err
	}
	h.logger.Info("handshake established", zap.String("peer_id", senderID))
	return nil
}
