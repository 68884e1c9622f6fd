package fullsync

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/compression"
	"github.com/shopsync/shopsync/internal/hashing"
	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/store"
	"github.com/shopsync/shopsync/internal/sync/conflict"
)

// Receiver reassembles an incoming snapshot stream and applies it once
// complete. Chunks must arrive in order; a bad chunk fails the session
// and leaves the local database untouched.
type Receiver struct {
	engine      *Engine
	sessionID   string
	checksum    string
	compression string
	chunkCount  int
	recordCount int64
	nextChunk   int
	buf         bytes.Buffer
	mu          sync.Mutex
}

// NewReceiver prepares to receive the snapshot announced by begin
func (e *Engine) NewReceiver(begin *messages.SnapshotBeginMessage) *Receiver {
	return &Receiver{
		engine:      e,
		sessionID:   begin.SessionID,
		checksum:    begin.Checksum,
		compression: begin.Compression,
		chunkCount:  begin.ChunkCount,
		recordCount: begin.RecordCount,
	}
}

// HandleChunk verifies and buffers one chunk, returning the ack to send
func (r *Receiver) HandleChunk(chunk *messages.SnapshotChunkMessage) *messages.SnapshotAckMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	ack := &messages.SnapshotAckMessage{
		SessionID:  r.sessionID,
		ChunkIndex: chunk.ChunkIndex,
	}

	if chunk.ChunkIndex != r.nextChunk {
		ack.Error = fmt.Sprintf("out-of-order chunk: got %d, want %d", chunk.ChunkIndex, r.nextChunk)
		return ack
	}
	if hashing.HashString(chunk.Data) != chunk.ChunkHash {
		ack.Error = fmt.Sprintf("chunk %d hash mismatch", chunk.ChunkIndex)
		return ack
	}

	r.buf.Write(chunk.Data)
	r.nextChunk++
	ack.OK = true
	return ack
}

// Complete reports whether every announced chunk has arrived
func (r *Receiver) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextChunk >= r.chunkCount
}

// Finalize decompresses the stream, verifies the dump checksum, and
// merges the snapshot into the records table inside one transaction.
// On any failure the transaction rolls back and existing data survives.
func (r *Receiver) Finalize() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nextChunk < r.chunkCount {
		return 0, fmt.Errorf("incomplete snapshot: %d of %d chunks", r.nextChunk, r.chunkCount)
	}

	decompressor, err := compression.NewDecompressor(r.compression)
	if err != nil {
		return 0, fmt.Errorf("unsupported snapshot compression %q: %w", r.compression, err)
	}

	dump, err := decompressor.Decompress(r.buf.Bytes())
	if err != nil {
		return 0, fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	if hashing.HashString(dump) != r.checksum {
		r.engine.metrics.ErrorChecksumFailures.Add(context.Background(), 1)
		return 0, ErrChecksumMismatch
	}

	received, applied, err := r.engine.applyDump(dump, r.recordCount)
	if err != nil {
		return 0, err
	}

	r.engine.logger.Info("snapshot applied",
		zap.String("session_id", r.sessionID),
		zap.Int64("records", received),
		zap.Int64("applied", applied))

	return received, nil
}

// stagedRecord is one row loaded from the snapshot dump, pending merge
type stagedRecord struct {
	tableName   string
	recordID    string
	payload     string
	deleted     int
	updatedBy   string
	updatedAt   float64
	vectorClock string
}

// applyDump stages the dump's rows and merges them into the records
// table one at a time, all inside one transaction. Rows only this node
// holds stay untouched, and a colliding row only replaces the local one
// when last-write-wins resolution picks the snapshot's version, so a
// snapshot cannot regress local edits. A count mismatch against the
// sender's announcement rolls everything back.
func (e *Engine) applyDump(dump []byte, expectedCount int64) (int64, int64, error) {
	tx, err := e.db.BeginTx()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TEMP TABLE snapshot_incoming (
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			deleted INTEGER DEFAULT 0,
			updated_by TEXT NOT NULL,
			updated_at REAL NOT NULL,
			vector_clock TEXT NOT NULL,
			PRIMARY KEY (table_name, record_id)
		)`); err != nil {
		return 0, 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	if err := loadDumpRows(tx, dump); err != nil {
		return 0, 0, err
	}

	var received int64
	if err := tx.QueryRow(`SELECT COUNT(*) FROM snapshot_incoming`).Scan(&received); err != nil {
		return 0, 0, fmt.Errorf("failed to count staged records: %w", err)
	}
	if received != expectedCount {
		return 0, 0, fmt.Errorf("record count mismatch after transfer: got %d, want %d", received, expectedCount)
	}

	applied, err := mergeStagedRecords(tx)
	if err != nil {
		return 0, 0, err
	}

	// The staging table lives on this connection, not in the schema;
	// drop it before the connection goes back to the pool.
	if _, err := tx.Exec(`DROP TABLE snapshot_incoming`); err != nil {
		return 0, 0, fmt.Errorf("failed to drop staging table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return received, applied, nil
}

// loadDumpRows executes the dump's row inserts against the staging
// table. The dump wraps inserts in its own transaction and repeats the
// schema; only the row data is wanted here.
func loadDumpRows(tx *sql.Tx, dump []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(dump))
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	var stmt strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if stmt.Len() == 0 {
			upper := strings.ToUpper(trimmed)
			if !strings.HasPrefix(upper, "INSERT INTO") {
				continue
			}
			// Retarget the insert at the staging table
			idx := strings.Index(upper, "VALUES")
			if idx < 0 {
				continue
			}
			line = "INSERT INTO snapshot_incoming " + trimmed[idx:]
		}

		stmt.WriteString(line)
		stmt.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			if _, err := tx.Exec(stmt.String()); err != nil {
				return fmt.Errorf("failed to stage snapshot row: %w", err)
			}
			stmt.Reset()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read dump: %w", err)
	}
	return nil
}

// mergeStagedRecords upserts each staged row into records, skipping
// rows where the local version wins resolution.
func mergeStagedRecords(tx *sql.Tx) (int64, error) {
	rows, err := tx.Query(`
		SELECT table_name, record_id, payload, deleted, updated_by, updated_at, vector_clock
		FROM snapshot_incoming
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to read staged records: %w", err)
	}

	var staged []stagedRecord
	for rows.Next() {
		var sr stagedRecord
		if err := rows.Scan(&sr.tableName, &sr.recordID, &sr.payload, &sr.deleted,
			&sr.updatedBy, &sr.updatedAt, &sr.vectorClock); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan staged record: %w", err)
		}
		staged = append(staged, sr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var applied int64
	for _, sr := range staged {
		var localBy, localPayload string
		var localDeleted int
		var localAt float64
		err := tx.QueryRow(`
			SELECT updated_by, updated_at, payload, deleted
			FROM records WHERE table_name = ? AND record_id = ?
		`, sr.tableName, sr.recordID).Scan(&localBy, &localAt, &localPayload, &localDeleted)
		if err != nil && err != sql.ErrNoRows {
			return applied, fmt.Errorf("failed to look up record: %w", err)
		}
		if err == nil {
			outcome := conflict.Resolve(
				conflict.Version{
					NodeID:    localBy,
					Timestamp: time.UnixMilli(int64(localAt * 1000)),
					Payload:   []byte(localPayload),
					Deleted:   localDeleted != 0,
				},
				conflict.Version{
					NodeID:    sr.updatedBy,
					Timestamp: time.UnixMilli(int64(sr.updatedAt * 1000)),
					Payload:   []byte(sr.payload),
					Deleted:   sr.deleted != 0,
				},
			)
			if !outcome.RemoteWins {
				continue
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO records (table_name, record_id, payload, deleted, updated_by, updated_at, vector_clock)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(table_name, record_id) DO UPDATE SET
				payload = excluded.payload,
				deleted = excluded.deleted,
				updated_by = excluded.updated_by,
				updated_at = excluded.updated_at,
				vector_clock = excluded.vector_clock
		`, sr.tableName, sr.recordID, sr.payload, sr.deleted,
			sr.updatedBy, sr.updatedAt, sr.vectorClock); err != nil {
			return applied, fmt.Errorf("failed to merge snapshot row: %w", err)
		}
		applied++
	}
	return applied, nil
}

// ApplyRecords applies a record-stream batch. Each incoming record
// goes through last-write-wins resolution against the local row, so a
// full sync cannot regress fresher local edits.
func (e *Engine) ApplyRecords(records []messages.RecordPayload) (int64, error) {
	var applied int64

	for _, rp := range records {
		incoming := &store.Record{
			TableName:   rp.TableName,
			RecordID:    rp.RecordID,
			Payload:     rp.Payload,
			Deleted:     rp.Deleted,
			UpdatedBy:   rp.UpdatedBy,
			UpdatedAt:   time.UnixMilli(rp.UpdatedAt),
			VectorClock: rp.VectorClock,
		}

		current, err := e.db.GetRecord(rp.TableName, rp.RecordID)
		if err != nil {
			return applied, err
		}
		if current != nil {
			outcome := conflict.Resolve(
				conflict.Version{
					NodeID:    current.UpdatedBy,
					Timestamp: current.UpdatedAt,
					Payload:   current.Payload,
					Deleted:   current.Deleted,
				},
				conflict.Version{
					NodeID:    incoming.UpdatedBy,
					Timestamp: incoming.UpdatedAt,
					Payload:   incoming.Payload,
					Deleted:   incoming.Deleted,
				},
			)
			if !outcome.RemoteWins {
				continue
			}
		}

		if err := e.db.UpsertRecord(incoming); err != nil {
			return applied, err
		}
		applied++
	}

	return applied, nil
}
