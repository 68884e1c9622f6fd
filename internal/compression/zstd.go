package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor holds a reusable Zstandard encoder/decoder pair.
// Snapshot dumps are SQL text and batch payloads are JSON, both of
// which compress well under zstd, so it is the configured default.
type ZstdCompressor struct {
	level int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewZstdCompressor builds a compressor at the given zstd level (1-22).
// The encoder and decoder are stateless per call and safe to share
// across snapshot chunks.
func NewZstdCompressor(level int) (*ZstdCompressor, error) {
	if level < 1 || level > 22 {
		return nil, fmt.Errorf("zstd level must be between 1 and 22, got %d", level)
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &ZstdCompressor{level: level, enc: enc, dec: dec}, nil
}

// Compress encodes data as a single self-describing zstd frame
func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

// Decompress expands a zstd frame produced by Compress
func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	return z.dec.DecodeAll(data, nil)
}

// Algorithm returns the wire name used during strategy negotiation
func (z *ZstdCompressor) Algorithm() string {
	return "zstd"
}

// Close releases the encoder and decoder
func (z *ZstdCompressor) Close() error {
	if z.enc != nil {
		z.enc.Close()
	}
	if z.dec != nil {
		z.dec.Close()
	}
	return nil
}
