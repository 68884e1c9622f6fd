package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Peer is a known installation of the same registration group
type Peer struct {
	PeerID       string
	Name         string
	Address      string
	Port         int
	PublicKey    string
	Capabilities []string
	LastSeen     time.Time
	Reachable    bool
}

// UpsertPeer records a peer sighting
func (d *DB) UpsertPeer(p *Peer) error {
	reachable := 0
	if p.Reachable {
		reachable = 1
	}

	_, err := d.db.Exec(`
		INSERT INTO peers (peer_id, name, address, port, public_key, capabilities, last_seen, reachable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			port = excluded.port,
			public_key = excluded.public_key,
			capabilities = excluded.capabilities,
			last_seen = excluded.last_seen,
			reachable = excluded.reachable
	`, p.PeerID, p.Name, p.Address, p.Port, p.PublicKey,
		strings.Join(p.Capabilities, ","),
		float64(p.LastSeen.UnixMilli())/1000.0, reachable)
	if err != nil {
		return fmt.Errorf("failed to upsert peer: %w", err)
	}
	return nil
}

// GetPeer returns a peer by id, nil if unknown
func (d *DB) GetPeer(peerID string) (*Peer, error) {
	row := d.db.QueryRow(`
		SELECT peer_id, name, address, port, public_key, capabilities, last_seen, reachable
		FROM peers WHERE peer_id = ?
	`, peerID)

	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get peer: %w", err)
	}
	return p, nil
}

// ListPeers returns all known peers
func (d *DB) ListPeers() ([]*Peer, error) {
	rows, err := d.db.Query(`
		SELECT peer_id, name, address, port, public_key, capabilities, last_seen, reachable
		FROM peers ORDER BY peer_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []*Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// SetPeerReachable updates a peer's reachability flag
func (d *DB) SetPeerReachable(peerID string, reachable bool) error {
	val := 0
	if reachable {
		val = 1
	}
	_, err := d.db.Exec(`UPDATE peers SET reachable = ? WHERE peer_id = ?`, val, peerID)
	if err != nil {
		return fmt.Errorf("failed to update peer reachability: %w", err)
	}
	return nil
}

func scanPeer(row rowScanner) (*Peer, error) {
	var p Peer
	var caps string
	var lastSeen sql.NullFloat64
	var reachable int

	err := row.Scan(&p.PeerID, &p.Name, &p.Address, &p.Port, &p.PublicKey,
		&caps, &lastSeen, &reachable)
	if err != nil {
		return nil, err
	}

	if caps != "" {
		p.Capabilities = strings.Split(caps, ",")
	}
	if lastSeen.Valid {
		p.LastSeen = time.UnixMilli(int64(lastSeen.Float64 * 1000))
	}
	p.Reachable = reachable != 0
	return &p, nil
}
