package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one replicated row of a business table, with the sync
// bookkeeping needed for last-write-wins resolution.
type Record struct {
	TableName   string
	RecordID    string
	Payload     []byte
	Deleted     bool
	UpdatedBy   string
	UpdatedAt   time.Time
	VectorClock map[string]int64
}

// UpsertRecord writes a record, replacing any existing version
func (d *DB) UpsertRecord(rec *Record) error {
	vcJSON, err := json.Marshal(rec.VectorClock)
	if err != nil {
		return fmt.Errorf("failed to marshal vector clock: %w", err)
	}

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}

	_, err = d.db.Exec(`
		INSERT INTO records (table_name, record_id, payload, deleted, updated_by, updated_at, vector_clock)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			payload = excluded.payload,
			deleted = excluded.deleted,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at,
			vector_clock = excluded.vector_clock
	`, rec.TableName, rec.RecordID, string(rec.Payload), deleted,
		rec.UpdatedBy, float64(rec.UpdatedAt.UnixMilli())/1000.0, string(vcJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// DeleteRecord marks a record deleted. The row stays behind as a
// tombstone so the deletion propagates to peers.
func (d *DB) DeleteRecord(tableName, recordID, updatedBy string, updatedAt time.Time, vc map[string]int64) error {
	vcJSON, err := json.Marshal(vc)
	if err != nil {
		return fmt.Errorf("failed to marshal vector clock: %w", err)
	}

	_, err = d.db.Exec(`
		INSERT INTO records (table_name, record_id, payload, deleted, updated_by, updated_at, vector_clock)
		VALUES (?, ?, '', 1, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			payload = '',
			deleted = 1,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at,
			vector_clock = excluded.vector_clock
	`, tableName, recordID, updatedBy, float64(updatedAt.UnixMilli())/1000.0, string(vcJSON))
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record including tombstones; returns nil if absent
func (d *DB) GetRecord(tableName, recordID string) (*Record, error) {
	row := d.db.QueryRow(`
		SELECT table_name, record_id, payload, deleted, updated_by, updated_at, vector_clock
		FROM records WHERE table_name = ? AND record_id = ?
	`, tableName, recordID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// ListRecords returns all live records for a table
func (d *DB) ListRecords(tableName string) ([]*Record, error) {
	rows, err := d.db.Query(`
		SELECT table_name, record_id, payload, deleted, updated_by, updated_at, vector_clock
		FROM records WHERE table_name = ? AND deleted = 0
		ORDER BY record_id
	`, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// StreamRecords iterates every record, tombstones included, invoking fn
// for each. Used by full sync when snapshot transfer is unavailable.
func (d *DB) StreamRecords(fn func(*Record) error) error {
	rows, err := d.db.Query(`
		SELECT table_name, record_id, payload, deleted, updated_by, updated_at, vector_clock
		FROM records ORDER BY table_name, record_id
	`)
	if err != nil {
		return fmt.Errorf("failed to stream records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountRecords returns the number of rows including tombstones,
// used for post-transfer verification.
func (d *DB) CountRecords() (int64, error) {
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var payload string
	var deleted int
	var updatedAt float64
	var vcJSON string

	err := row.Scan(&rec.TableName, &rec.RecordID, &payload, &deleted,
		&rec.UpdatedBy, &updatedAt, &vcJSON)
	if err != nil {
		return nil, err
	}

	rec.Payload = []byte(payload)
	rec.Deleted = deleted != 0
	rec.UpdatedAt = time.UnixMilli(int64(updatedAt * 1000))
	if err := json.Unmarshal([]byte(vcJSON), &rec.VectorClock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vector clock: %w", err)
	}
	return &rec, nil
}
