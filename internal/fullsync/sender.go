package fullsync

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/hashing"
	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/store"
)

// SendFunc delivers one message to the session peer
type SendFunc func(msg *messages.Message) error

// ChunkAck reports the receiver's verdict on one chunk
type ChunkAck struct {
	ChunkIndex int
	OK         bool
	Error      string
}

// SendSnapshot streams a compressed snapshot to the peer, one chunk at
// a time, waiting for each chunk's ack before sending the next. The
// dump file is removed when the transfer ends either way.
func (e *Engine) SendSnapshot(ctx context.Context, sessionID string, snap *Snapshot, send SendFunc, acks <-chan ChunkAck) (int64, error) {
	defer os.Remove(snap.Path)

	raw, err := os.ReadFile(snap.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to read dump: %w", err)
	}

	compressed, err := e.compressor.Compress(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	if len(raw) > 0 {
		e.metrics.CompressionRatio.Record(ctx, float64(len(compressed))/float64(len(raw)))
	}

	chunks := splitChunks(compressed, int(e.cfg.ChunkSize))

	begin := messages.NewMessage(messages.TypeSnapshotBegin, "", messages.SnapshotBeginMessage{
		SessionID:   sessionID,
		Strategy:    messages.StrategySnapshot,
		TotalSize:   int64(len(compressed)),
		ChunkCount:  len(chunks),
		Checksum:    snap.Checksum,
		Compression: e.compressor.Algorithm(),
		RecordCount: snap.RecordCount,
	})
	if err := send(begin); err != nil {
		return 0, fmt.Errorf("failed to send snapshot begin: %w", err)
	}

	var sent int64
	start := time.Now()

	for i, chunk := range chunks {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, int64(len(chunk))); err != nil {
				return sent, err
			}
		}

		msg := messages.NewMessage(messages.TypeSnapshotChunk, "", messages.SnapshotChunkMessage{
			SessionID:  sessionID,
			ChunkIndex: i,
			Data:       chunk,
			ChunkHash:  hashing.HashString(chunk),
		})
		if err := send(msg); err != nil {
			return sent, fmt.Errorf("failed to send chunk %d: %w", i, err)
		}
		sent += int64(len(chunk))
		e.metrics.SnapshotBytesSent.Add(ctx, int64(len(chunk)))
		e.metrics.SnapshotChunksTotal.Add(ctx, 1)

		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case ack, ok := <-acks:
			if !ok {
				return sent, fmt.Errorf("session closed during snapshot transfer")
			}
			if !ack.OK {
				return sent, fmt.Errorf("peer rejected chunk %d: %s", ack.ChunkIndex, ack.Error)
			}
		}
	}

	e.metrics.SnapshotDuration.Record(ctx, time.Since(start).Seconds())
	e.logger.Info("snapshot streamed",
		zap.String("session_id", sessionID),
		zap.Int("chunks", len(chunks)),
		zap.Int64("compressed_bytes", sent),
		zap.Int64("records", snap.RecordCount))

	return sent, nil
}

// SendRecordStream streams every record row by row. Used when neither
// side can run the snapshot tool.
func (e *Engine) SendRecordStream(ctx context.Context, sessionID string, batchSize int, send SendFunc) (int64, error) {
	if batchSize <= 0 {
		batchSize = 200
	}

	var total int64
	batch := make([]messages.RecordPayload, 0, batchSize)

	flush := func(final bool) error {
		msg := messages.NewMessage(messages.TypeRecordBatch, "", messages.RecordBatchMessage{
			SessionID: sessionID,
			Records:   batch,
			Final:     final,
		})
		if err := send(msg); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := e.db.StreamRecords(func(rec *store.Record) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch = append(batch, messages.RecordPayload{
			TableName:   rec.TableName,
			RecordID:    rec.RecordID,
			Payload:     rec.Payload,
			Deleted:     rec.Deleted,
			UpdatedBy:   rec.UpdatedBy,
			UpdatedAt:   rec.UpdatedAt.UnixMilli(),
			VectorClock: rec.VectorClock,
		})
		total++

		if len(batch) >= batchSize {
			return flush(false)
		}
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("record stream failed: %w", err)
	}

	if err := flush(true); err != nil {
		return total, fmt.Errorf("failed to send final record batch: %w", err)
	}

	e.logger.Info("record stream sent",
		zap.String("session_id", sessionID),
		zap.Int64("records", total))

	return total, nil
}

func splitChunks(data []byte, size int) [][]byte {
	if size <= 0 {
		size = 512 * 1024
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}

	var chunks [][]byte
	for offset := 0; offset < len(data); offset += size {
		end := offset + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[offset:end])
	}
	return chunks
}
