package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Partition records an interval during which a peer stopped announcing
type Partition struct {
	PartitionID   string
	PeerID        string
	DetectedAt    time.Time
	ResolvedAt    *time.Time
	MissedWindows int
}

// InsertPartition records a newly detected partition
func (d *DB) InsertPartition(p *Partition) error {
	_, err := d.db.Exec(`
		INSERT INTO partitions (partition_id, peer_id, detected_at, missed_windows)
		VALUES (?, ?, ?, ?)
	`, p.PartitionID, p.PeerID,
		float64(p.DetectedAt.UnixMilli())/1000.0, p.MissedWindows)
	if err != nil {
		return fmt.Errorf("failed to insert partition: %w", err)
	}
	return nil
}

// ResolvePartition closes any open partition records for a peer.
// Called when the peer announces again.
func (d *DB) ResolvePartition(peerID string) error {
	_, err := d.db.Exec(`
		UPDATE partitions SET resolved_at = ?
		WHERE peer_id = ? AND resolved_at IS NULL
	`, float64(time.Now().UnixMilli())/1000.0, peerID)
	if err != nil {
		return fmt.Errorf("failed to resolve partition: %w", err)
	}
	return nil
}

// OpenPartition returns the unresolved partition for a peer, nil if none
func (d *DB) OpenPartition(peerID string) (*Partition, error) {
	row := d.db.QueryRow(`
		SELECT partition_id, peer_id, detected_at, resolved_at, missed_windows
		FROM partitions WHERE peer_id = ? AND resolved_at IS NULL
		ORDER BY detected_at DESC LIMIT 1
	`, peerID)

	p, err := scanPartition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open partition: %w", err)
	}
	return p, nil
}

// ListPartitions returns the most recent partition records, newest first
func (d *DB) ListPartitions(limit int) ([]*Partition, error) {
	rows, err := d.db.Query(`
		SELECT partition_id, peer_id, detected_at, resolved_at, missed_windows
		FROM partitions ORDER BY detected_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var partitions []*Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

func scanPartition(row rowScanner) (*Partition, error) {
	var p Partition
	var detectedAt float64
	var resolvedAt sql.NullFloat64

	err := row.Scan(&p.PartitionID, &p.PeerID, &detectedAt, &resolvedAt, &p.MissedWindows)
	if err != nil {
		return nil, err
	}

	p.DetectedAt = time.UnixMilli(int64(detectedAt * 1000))
	if resolvedAt.Valid {
		t := time.UnixMilli(int64(resolvedAt.Float64 * 1000))
		p.ResolvedAt = &t
	}
	return &p, nil
}
