package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the change log
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Event is one entry in the append-only change log. Sequence is assigned
// by SQLite on insert and is strictly increasing per node. OriginNode and
// OriginSeq identify where the change was first made, so a node never
// re-applies or re-ships its own changes.
type Event struct {
	Sequence     int64
	EventID      string
	OriginNode   string
	OriginSeq    int64
	Timestamp    time.Time
	EventType    string
	TableName    string
	RecordID     string
	Payload      []byte
	VectorClock  map[string]int64
	Acknowledged bool
}

// AppendEvent appends an event to the log and returns its local sequence
func (d *DB) AppendEvent(ev *Event) (int64, error) {
	vcJSON, err := json.Marshal(ev.VectorClock)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal vector clock: %w", err)
	}

	acknowledged := 0
	if ev.Acknowledged {
		acknowledged = 1
	}

	res, err := d.db.Exec(`
		INSERT INTO sync_events (event_id, origin_node, origin_seq, timestamp,
			event_type, table_name, record_id, payload, vector_clock, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.OriginNode, ev.OriginSeq,
		float64(ev.Timestamp.UnixMilli())/1000.0,
		ev.EventType, ev.TableName, ev.RecordID, string(ev.Payload),
		string(vcJSON), acknowledged)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get event sequence: %w", err)
	}
	ev.Sequence = seq
	return seq, nil
}

// HasEvent reports whether an event id is already in the log
func (d *DB) HasEvent(eventID string) (bool, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM sync_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// EventsSince returns up to limit events originated by originNode with
// origin_seq greater than afterSeq, in sequence order.
func (d *DB) EventsSince(originNode string, afterSeq int64, limit int) ([]*Event, error) {
	rows, err := d.db.Query(`
		SELECT sequence, event_id, origin_node, origin_seq, timestamp,
			event_type, table_name, record_id, payload, vector_clock, acknowledged
		FROM sync_events
		WHERE origin_node = ? AND origin_seq > ?
		ORDER BY origin_seq ASC
		LIMIT ?
	`, originNode, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsByIDs loads events by id, preserving the order of presence in the log
func (d *DB) EventsByIDs(eventIDs []string) ([]*Event, error) {
	events := make([]*Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		row := d.db.QueryRow(`
			SELECT sequence, event_id, origin_node, origin_seq, timestamp,
				event_type, table_name, record_id, payload, vector_clock, acknowledged
			FROM sync_events WHERE event_id = ?
		`, id)
		ev, err := scanEvent(row)
		if err == sql.ErrNoRows {
			continue // pruned since queueing
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load event %s: %w", id, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// LatestSeq returns the highest origin_seq recorded for originNode, 0 if none
func (d *DB) LatestSeq(originNode string) (int64, error) {
	var seq sql.NullInt64
	err := d.db.QueryRow(`
		SELECT MAX(origin_seq) FROM sync_events WHERE origin_node = ?
	`, originNode).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// MinRetainedSeq returns the lowest origin_seq still in the log for
// originNode. A peer whose watermark is below this horizon cannot catch
// up incrementally and must take a full sync.
func (d *DB) MinRetainedSeq(originNode string) (int64, error) {
	var seq sql.NullInt64
	err := d.db.QueryRow(`
		SELECT MIN(origin_seq) FROM sync_events WHERE origin_node = ?
	`, originNode).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get retained horizon: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Origins returns the distinct origin nodes present in the event log
func (d *DB) Origins() ([]string, error) {
	rows, err := d.db.Query(`SELECT DISTINCT origin_node FROM sync_events`)
	if err != nil {
		return nil, fmt.Errorf("failed to query origins: %w", err)
	}
	defer rows.Close()

	var origins []string
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, fmt.Errorf("failed to scan origin: %w", err)
		}
		origins = append(origins, origin)
	}
	return origins, rows.Err()
}

// CountEvents returns the total number of retained events
func (d *DB) CountEvents() (int64, error) {
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM sync_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// MarkFullyAcknowledged flags events already delivered to every known
// peer by comparing each event's origin_seq against the lowest
// watermark any registered peer holds for that origin. A peer with no
// watermark row counts as zero, so one lagging peer keeps every event
// retained. The origin peer itself is excluded since it trivially holds
// its own events. With no other peers registered the events are
// vacuously delivered. Returns how many events were flagged.
func (d *DB) MarkFullyAcknowledged() (int64, error) {
	res, err := d.db.Exec(`
		UPDATE sync_events SET acknowledged = 1
		WHERE acknowledged = 0
		  AND origin_seq <= COALESCE((
			SELECT MIN(COALESCE(w.last_seq, 0))
			FROM peers p
			LEFT JOIN watermarks w
				ON w.peer_id = p.peer_id AND w.origin_node = sync_events.origin_node
			WHERE p.peer_id <> sync_events.origin_node
		  ), origin_seq)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to mark events acknowledged: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count acknowledged events: %w", err)
	}
	return n, nil
}

// PruneEvents removes acknowledged events beyond the retention limit,
// oldest first, and returns how many were removed.
func (d *DB) PruneEvents(retainLimit int) (int64, error) {
	res, err := d.db.Exec(`
		DELETE FROM sync_events WHERE sequence IN (
			SELECT sequence FROM sync_events
			WHERE acknowledged = 1
			ORDER BY sequence ASC
			LIMIT (SELECT MAX(0, COUNT(*) - ?) FROM sync_events)
		)
	`, retainLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned events: %w", err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var timestamp float64
	var payload string
	var vcJSON string
	var acknowledged int

	err := row.Scan(&ev.Sequence, &ev.EventID, &ev.OriginNode, &ev.OriginSeq,
		&timestamp, &ev.EventType, &ev.TableName, &ev.RecordID,
		&payload, &vcJSON, &acknowledged)
	if err != nil {
		return nil, err
	}

	ev.Timestamp = time.UnixMilli(int64(timestamp * 1000))
	ev.Payload = []byte(payload)
	ev.Acknowledged = acknowledged != 0
	if err := json.Unmarshal([]byte(vcJSON), &ev.VectorClock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vector clock: %w", err)
	}
	return &ev, nil
}
