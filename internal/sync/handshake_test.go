package sync_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopsync/shopsync/internal/network/connection"
	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/sync"
)

// handshakeWire delivers hello traffic between two handshakers in
// process, through the same JSON round trip the transport performs.
type handshakeWire struct {
	nodeID string
	peers  map[string]*sync.Handshaker
}

func (w *handshakeWire) Send(peerID string, msg *messages.Message) error {
	msg.SenderID = w.nodeID
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	decoded, err := messages.DecodeMessage(data)
	if err != nil {
		return err
	}
	return w.peers[peerID].HandleMessage(decoded)
}

func newHandshakePair(t *testing.T, secretA, secretB string) (*connection.ConnectionManager, *connection.ConnectionManager, *sync.Handshaker) {
	t.Helper()
	logger, _ := testObservability(t)

	connsA := connection.NewConnectionManager(time.Minute)
	connsB := connection.NewConnectionManager(time.Minute)
	t.Cleanup(connsA.Stop)
	t.Cleanup(connsB.Stop)
	connsA.AddConnection("node-b", "10.0.0.2", 7465)
	connsB.AddConnection("node-a", "10.0.0.1", 7465)

	handshakerA := sync.NewHandshaker("node-a", secretA, connsA, logger)
	handshakerB := sync.NewHandshaker("node-b", secretB, connsB, logger)

	peers := map[string]*sync.Handshaker{"node-a": handshakerA, "node-b": handshakerB}
	handshakerA.SetMessenger(&handshakeWire{nodeID: "node-a", peers: peers})
	handshakerB.SetMessenger(&handshakeWire{nodeID: "node-b", peers: peers})

	return connsA, connsB, handshakerA
}

func TestHandshakeEstablishesSharedSessionKey(t *testing.T) {
	connsA, connsB, handshakerA := newHandshakePair(t, "store-42-secret", "store-42-secret")

	if err := handshakerA.Establish("node-b", 5*time.Second); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}

	keyA, err := connsA.GetSessionKey("node-b")
	if err != nil || len(keyA) == 0 {
		t.Fatalf("Initiator has no session key: %v", err)
	}
	keyB, err := connsB.GetSessionKey("node-a")
	if err != nil || len(keyB) == 0 {
		t.Fatalf("Responder has no session key: %v", err)
	}
	if !bytes.Equal(keyA, keyB) {
		t.Error("Handshake sides hold different session keys")
	}
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	connsA, _, handshakerA := newHandshakePair(t, "store-42-secret", "wrong-secret")

	if err := handshakerA.Establish("node-b", 5*time.Second); err == nil {
		t.Fatal("Handshake succeeded across different registration secrets")
	}

	if key, err := connsA.GetSessionKey("node-b"); err == nil && len(key) > 0 {
		t.Error("Session key stored despite failed authentication")
	}
}

func TestEstablishIsNoOpWithExistingKey(t *testing.T) {
	connsA, _, handshakerA := newHandshakePair(t, "store-42-secret", "store-42-secret")

	existing := bytes.Repeat([]byte{9}, 32)
	if err := connsA.SetSessionKey("node-b", existing); err != nil {
		t.Fatalf("Failed to seed session key: %v", err)
	}

	if err := handshakerA.Establish("node-b", time.Second); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	key, _ := connsA.GetSessionKey("node-b")
	if !bytes.Equal(key, existing) {
		t.Error("Existing session key was replaced")
	}
}
