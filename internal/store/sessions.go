package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Session persists the outcome of one sync session for the operator surface
type Session struct {
	SessionID        string
	PeerID           string
	Mode             string
	State            string
	Initiator        bool
	EventsSent       int64
	EventsApplied    int64
	BytesTransferred int64
	Error            string
	StartedAt        time.Time
	FinishedAt       *time.Time
}

// InsertSession records a newly started session
func (d *DB) InsertSession(s *Session) error {
	initiator := 0
	if s.Initiator {
		initiator = 1
	}
	_, err := d.db.Exec(`
		INSERT INTO sync_sessions (session_id, peer_id, mode, state, initiator, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.SessionID, s.PeerID, s.Mode, s.State, initiator,
		float64(s.StartedAt.UnixMilli())/1000.0)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSessionState transitions a persisted session
func (d *DB) UpdateSessionState(sessionID, state string) error {
	_, err := d.db.Exec(`UPDATE sync_sessions SET state = ? WHERE session_id = ?`, state, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	return nil
}

// UpdateSessionMode records the negotiated mode alongside the state
func (d *DB) UpdateSessionMode(sessionID, mode, state string) error {
	_, err := d.db.Exec(`UPDATE sync_sessions SET mode = ?, state = ? WHERE session_id = ?`,
		mode, state, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session mode: %w", err)
	}
	return nil
}

// FinishSession records the terminal state and counters of a session
func (d *DB) FinishSession(sessionID, state, errMsg string, eventsSent, eventsApplied, bytes int64) error {
	_, err := d.db.Exec(`
		UPDATE sync_sessions
		SET state = ?, error = ?, events_sent = ?, events_applied = ?,
			bytes_transferred = ?, finished_at = ?
		WHERE session_id = ?
	`, state, errMsg, eventsSent, eventsApplied, bytes,
		float64(time.Now().UnixMilli())/1000.0, sessionID)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	return nil
}

// RecentSessions returns the most recent sessions, newest first
func (d *DB) RecentSessions(limit int) ([]*Session, error) {
	rows, err := d.db.Query(`
		SELECT session_id, peer_id, mode, state, initiator, events_sent,
			events_applied, bytes_transferred, error, started_at, finished_at
		FROM sync_sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		var initiator int
		var errMsg sql.NullString
		var startedAt float64
		var finishedAt sql.NullFloat64

		err := rows.Scan(&s.SessionID, &s.PeerID, &s.Mode, &s.State, &initiator,
			&s.EventsSent, &s.EventsApplied, &s.BytesTransferred,
			&errMsg, &startedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		s.Initiator = initiator != 0
		s.Error = errMsg.String
		s.StartedAt = time.UnixMilli(int64(startedAt * 1000))
		if finishedAt.Valid {
			t := time.UnixMilli(int64(finishedAt.Float64 * 1000))
			s.FinishedAt = &t
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}
