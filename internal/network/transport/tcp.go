package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shopsync/shopsync/internal/network/messages"
)

// TCPTransport handles TCP connections. One long-lived connection per
// peer carries newline-delimited JSON messages; peer identity is
// established by the hello handshake above the transport.
type TCPTransport struct {
	port          int
	listener      *net.TCPListener
	handler       MessageHandler
	stopCh        chan struct{}
	stopOnce      sync.Once
	connections   map[string]net.Conn // peerID -> connection
	connectionsMu sync.RWMutex
}

// NewTCPTransport creates a new TCP transport
func NewTCPTransport(port int) *TCPTransport {
	return &TCPTransport{
		port:        port,
		stopCh:      make(chan struct{}),
		connections: make(map[string]net.Conn),
	}
}

// Start starts listening on TCP
func (t *TCPTransport) Start() error {
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	t.listener = listener

	go t.accept()

	return nil
}

// Stop stops the TCP transport
func (t *TCPTransport) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.listener != nil {
			err = t.listener.Close()
		}
	})
	return err
}

// accept accepts incoming connections
func (t *TCPTransport) accept() {
	for {
		select {
		case <-t.stopCh:
			return
		default:
			t.listener.SetDeadline(time.Now().Add(1 * time.Second))
			conn, err := t.listener.AcceptTCP()
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				continue
			}

			go t.handleConnection(conn)
		}
	}
}

// handleConnection reads messages off an inbound TCP connection. The
// connection is registered under the sender id of the first message so
// responses can reuse it.
func (t *TCPTransport) handleConnection(conn *net.TCPConn) {
	defer conn.Close()

	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(60 * time.Second)

	decoder := json.NewDecoder(conn)
	registered := false

	for {
		select {
		case <-t.stopCh:
			return
		default:
			var msg messages.Message
			if err := decoder.Decode(&msg); err != nil {
				return
			}

			if !registered && msg.SenderID != "" {
				t.connectionsMu.Lock()
				t.connections[msg.SenderID] = conn
				t.connectionsMu.Unlock()
				registered = true
			}

			if t.handler != nil {
				t.handler.HandleMessage(&msg)
			}
		}
	}
}

// SendMessage sends a message to a specific peer
func (t *TCPTransport) SendMessage(peerID string, address string, port int, msg *messages.Message) error {
	conn, err := t.getOrCreateConnection(peerID, address, port)
	if err != nil {
		return fmt.Errorf("failed to get connection to %s:%d: %w", address, port, err)
	}

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(msg); err != nil {
		// Drop the failed connection; the next send redials
		t.connectionsMu.Lock()
		delete(t.connections, peerID)
		conn.Close()
		t.connectionsMu.Unlock()
		return fmt.Errorf("failed to encode message: %w", err)
	}

	return nil
}

// getOrCreateConnection gets an existing connection or creates a new one
func (t *TCPTransport) getOrCreateConnection(peerID, address string, port int) (net.Conn, error) {
	t.connectionsMu.RLock()
	conn, exists := t.connections[peerID]
	t.connectionsMu.RUnlock()

	if exists {
		return conn, nil
	}

	t.connectionsMu.Lock()
	defer t.connectionsMu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := t.connections[peerID]; exists {
		return conn, nil
	}

	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	tcpConn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return nil, err
	}

	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(60 * time.Second)

	t.connections[peerID] = tcpConn

	// Read replies off outbound connections too
	go t.readLoop(tcpConn, peerID)

	return tcpConn, nil
}

// readLoop dispatches messages arriving on an outbound connection
func (t *TCPTransport) readLoop(conn net.Conn, peerID string) {
	decoder := json.NewDecoder(conn)
	for {
		select {
		case <-t.stopCh:
			return
		default:
			var msg messages.Message
			if err := decoder.Decode(&msg); err != nil {
				t.connectionsMu.Lock()
				if t.connections[peerID] == conn {
					delete(t.connections, peerID)
				}
				t.connectionsMu.Unlock()
				return
			}

			if t.handler != nil {
				t.handler.HandleMessage(&msg)
			}
		}
	}
}

// SetMessageHandler sets the message handler for incoming messages
func (t *TCPTransport) SetMessageHandler(handler MessageHandler) error {
	t.handler = handler
	return nil
}

// ConnectToPeer establishes an outbound connection to a peer and registers it
func (t *TCPTransport) ConnectToPeer(peerID, address string, port int) error {
	_, err := t.getOrCreateConnection(peerID, address, port)
	return err
}
