package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// GzipCompressor is the compatibility fallback for peers that do not
// negotiate zstd or lz4. It builds a fresh writer per call since gzip
// writers are not safe for concurrent reuse.
type GzipCompressor struct {
	level int
}

// NewGzipCompressor builds a gzip compressor at levels 1-9
func NewGzipCompressor(level int) (*GzipCompressor, error) {
	if level < 1 || level > 9 {
		return nil, fmt.Errorf("gzip level must be between 1 and 9, got %d", level)
	}
	return &GzipCompressor{level: level}, nil
}

// Compress encodes data as a gzip stream
func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	// Close flushes the trailing checksum, so its error matters.
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress expands a gzip stream produced by Compress
func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer r.Close()

	decompressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return decompressed, nil
}

// Algorithm returns the wire name used during strategy negotiation
func (g *GzipCompressor) Algorithm() string {
	return "gzip"
}
