package store

import (
	"fmt"
	"time"
)

// Conflict is an audit row for a concurrent-edit resolution
type Conflict struct {
	ConflictID      string
	TableName       string
	RecordID        string
	WinnerNode      string
	LoserNode       string
	WinnerTimestamp time.Time
	LoserTimestamp  time.Time
	WinnerPayload   []byte
	LoserPayload    []byte
	ResolvedAt      time.Time
}

// InsertConflict records a resolved conflict for later review
func (d *DB) InsertConflict(c *Conflict) error {
	_, err := d.db.Exec(`
		INSERT INTO conflicts (conflict_id, table_name, record_id, winner_node,
			loser_node, winner_timestamp, loser_timestamp, winner_payload,
			loser_payload, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ConflictID, c.TableName, c.RecordID, c.WinnerNode, c.LoserNode,
		float64(c.WinnerTimestamp.UnixMilli())/1000.0,
		float64(c.LoserTimestamp.UnixMilli())/1000.0,
		string(c.WinnerPayload), string(c.LoserPayload),
		float64(c.ResolvedAt.UnixMilli())/1000.0)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

// RecentConflicts returns the most recently resolved conflicts, newest first
func (d *DB) RecentConflicts(limit int) ([]*Conflict, error) {
	rows, err := d.db.Query(`
		SELECT conflict_id, table_name, record_id, winner_node, loser_node,
			winner_timestamp, loser_timestamp, winner_payload, loser_payload, resolved_at
		FROM conflicts ORDER BY resolved_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		var c Conflict
		var winnerTS, loserTS, resolvedAt float64
		var winnerPayload, loserPayload string

		err := rows.Scan(&c.ConflictID, &c.TableName, &c.RecordID,
			&c.WinnerNode, &c.LoserNode, &winnerTS, &loserTS,
			&winnerPayload, &loserPayload, &resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}

		c.WinnerTimestamp = time.UnixMilli(int64(winnerTS * 1000))
		c.LoserTimestamp = time.UnixMilli(int64(loserTS * 1000))
		c.ResolvedAt = time.UnixMilli(int64(resolvedAt * 1000))
		c.WinnerPayload = []byte(winnerPayload)
		c.LoserPayload = []byte(loserPayload)
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}

// CountConflicts returns the total number of audit rows
func (d *DB) CountConflicts() (int64, error) {
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}
