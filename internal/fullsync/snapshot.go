// Package fullsync transfers a complete copy of the replicated data set
// to a peer that cannot catch up incrementally.
package fullsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/shopsync/shopsync/internal/compression"
	"github.com/shopsync/shopsync/internal/network/flowcontrol"
	"github.com/shopsync/shopsync/internal/hashing"
	"github.com/shopsync/shopsync/internal/observability"
	"github.com/shopsync/shopsync/internal/store"
)

// ErrSnapshotToolMissing is returned when the external dump utility is
// not on PATH. Callers fall back to the record-stream strategy.
var ErrSnapshotToolMissing = errors.New("snapshot tool not found")

// ErrChecksumMismatch is returned when a received snapshot does not
// hash to the announced checksum. The transfer is discarded.
var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// Config holds full-sync settings
type Config struct {
	SnapshotTool   string
	SnapshotDir    string
	DBPath         string
	ChunkSize      int64
	Compression    string
	CompressionLvl int
	RateLimit      int64 // bytes/sec, 0 = unlimited
}

// Engine builds, streams, and applies database snapshots
type Engine struct {
	db         *store.DB
	cfg        Config
	compressor compression.Compressor
	limiter    *flowcontrol.RateLimiter
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewEngine creates a full-sync engine
func NewEngine(db *store.DB, cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Engine, error) {
	compressor, err := compression.NewCompressor(cfg.Compression, cfg.CompressionLvl)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	var limiter *flowcontrol.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = flowcontrol.NewRateLimiter(cfg.RateLimit, cfg.RateLimit*2)
	}

	return &Engine{
		db:         db,
		cfg:        cfg,
		compressor: compressor,
		limiter:    limiter,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Close releases the engine's resources
func (e *Engine) Close() {
	if e.limiter != nil {
		e.limiter.Stop()
	}
}

// SupportsSnapshot reports whether the external dump tool is available
func (e *Engine) SupportsSnapshot() bool {
	_, err := exec.LookPath(e.cfg.SnapshotTool)
	return err == nil
}

// Snapshot is a prepared dump ready for streaming
type Snapshot struct {
	Path        string // dump file on disk
	Checksum    string // blake3 of the uncompressed dump
	RecordCount int64
	Size        int64
}

// BuildSnapshot dumps the records table with the external snapshot
// tool. The dump is plain SQL so the receiver can apply it inside one
// transaction.
func (e *Engine) BuildSnapshot(ctx context.Context) (*Snapshot, error) {
	toolPath, err := exec.LookPath(e.cfg.SnapshotTool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotToolMissing, e.cfg.SnapshotTool)
	}

	if err := os.MkdirAll(e.cfg.SnapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	dumpPath := filepath.Join(e.cfg.SnapshotDir,
		fmt.Sprintf("snapshot-%d.sql", time.Now().UnixNano()))

	out, err := os.Create(dumpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump file: %w", err)
	}

	cmd := exec.CommandContext(ctx, toolPath, e.cfg.DBPath, ".dump records")
	cmd.Stdout = out
	runErr := cmd.Run()
	closeErr := out.Close()
	if runErr != nil {
		os.Remove(dumpPath)
		return nil, fmt.Errorf("snapshot tool failed: %w", runErr)
	}
	if closeErr != nil {
		os.Remove(dumpPath)
		return nil, fmt.Errorf("failed to write dump: %w", closeErr)
	}

	f, err := os.Open(dumpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen dump: %w", err)
	}
	checksum, err := hashing.HashReaderString(f)
	f.Close()
	if err != nil {
		os.Remove(dumpPath)
		return nil, fmt.Errorf("failed to hash dump: %w", err)
	}

	info, err := os.Stat(dumpPath)
	if err != nil {
		os.Remove(dumpPath)
		return nil, fmt.Errorf("failed to stat dump: %w", err)
	}

	count, err := e.db.CountRecords()
	if err != nil {
		os.Remove(dumpPath)
		return nil, err
	}

	return &Snapshot{
		Path:        dumpPath,
		Checksum:    checksum,
		RecordCount: count,
		Size:        info.Size(),
	}, nil
}
