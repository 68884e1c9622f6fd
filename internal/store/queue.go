package store

import (
	"fmt"
	"time"
)

// QueueEntry is one undelivered event destined for an unreachable peer
type QueueEntry struct {
	ID       int64
	PeerID   string
	EventID  string
	Attempts int
	QueuedAt time.Time
}

// EnqueueOffline queues an event for later delivery to peerID.
// Duplicate (peer, event) pairs are ignored.
func (d *DB) EnqueueOffline(peerID, eventID string) error {
	_, err := d.db.Exec(`
		INSERT INTO offline_queue (peer_id, event_id, queued_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id, event_id) DO NOTHING
	`, peerID, eventID, float64(time.Now().UnixMilli())/1000.0)
	if err != nil {
		return fmt.Errorf("failed to enqueue offline event: %w", err)
	}
	return nil
}

// DequeueOffline returns up to limit pending entries for a peer, oldest first
func (d *DB) DequeueOffline(peerID string, limit int) ([]*QueueEntry, error) {
	rows, err := d.db.Query(`
		SELECT id, peer_id, event_id, attempts, queued_at
		FROM offline_queue WHERE peer_id = ?
		ORDER BY id ASC LIMIT ?
	`, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue offline events: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var queuedAt float64
		if err := rows.Scan(&e.ID, &e.PeerID, &e.EventID, &e.Attempts, &queuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.QueuedAt = time.UnixMilli(int64(queuedAt * 1000))
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// QueueDepth returns the number of queued entries for a peer
func (d *DB) QueueDepth(peerID string) (int64, error) {
	var n int64
	err := d.db.QueryRow(`SELECT COUNT(*) FROM offline_queue WHERE peer_id = ?`, peerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue depth: %w", err)
	}
	return n, nil
}

// IncrementAttempts bumps the delivery counter on queue entries
func (d *DB) IncrementAttempts(ids []int64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE offline_queue SET attempts = attempts + 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("failed to increment attempts: %w", err)
		}
	}
	return tx.Commit()
}

// RemoveQueueEntries deletes delivered entries
func (d *DB) RemoveQueueEntries(ids []int64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM offline_queue WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("failed to remove queue entry: %w", err)
		}
	}
	return tx.Commit()
}

// ClearQueue drops every queued entry for a peer. Called when the backlog
// is escalated to a full sync, which supersedes the queued events.
func (d *DB) ClearQueue(peerID string) error {
	_, err := d.db.Exec(`DELETE FROM offline_queue WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}
