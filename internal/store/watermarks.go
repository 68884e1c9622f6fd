package store

import (
	"database/sql"
	"fmt"
)

// GetWatermark returns the last origin_seq of originNode's events that
// peerID is known to hold, 0 if the peer has never synced that origin.
func (d *DB) GetWatermark(peerID, originNode string) (int64, error) {
	var seq int64
	err := d.db.QueryRow(`
		SELECT last_seq FROM watermarks WHERE peer_id = ? AND origin_node = ?
	`, peerID, originNode).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get watermark: %w", err)
	}
	return seq, nil
}

// SetWatermark advances the delivery watermark. Watermarks never move
// backwards; a lower value than the stored one is ignored.
func (d *DB) SetWatermark(peerID, originNode string, seq int64) error {
	_, err := d.db.Exec(`
		INSERT INTO watermarks (peer_id, origin_node, last_seq)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id, origin_node) DO UPDATE SET
			last_seq = MAX(watermarks.last_seq, excluded.last_seq),
			updated_at = unixepoch()
	`, peerID, originNode, seq)
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// Watermarks returns all stored watermarks for a peer keyed by origin node
func (d *DB) Watermarks(peerID string) (map[string]int64, error) {
	rows, err := d.db.Query(`
		SELECT origin_node, last_seq FROM watermarks WHERE peer_id = ?
	`, peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	marks := make(map[string]int64)
	for rows.Next() {
		var origin string
		var seq int64
		if err := rows.Scan(&origin, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		marks[origin] = seq
	}
	return marks, rows.Err()
}
