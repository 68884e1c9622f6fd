package compression

import (
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// maxDecompressedSize bounds lz4 block expansion; snapshot chunks are
// far smaller than this.
const maxDecompressedSize = 1 << 30

// LZ4Compressor implements LZ4 block compression
type LZ4Compressor struct {
	level int
}

// NewLZ4Compressor creates a new LZ4 compressor
func NewLZ4Compressor(level int) (*LZ4Compressor, error) {
	if level < 1 || level > 16 {
		return nil, fmt.Errorf("lz4 level must be between 1 and 16, got %d", level)
	}

	return &LZ4Compressor{
		level: level,
	}, nil
}

// Compress compresses data using LZ4
func (l *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	// LZ4 can expand incompressible data slightly
	compressed := make([]byte, len(data)+len(data)/255+16)

	compressor := lz4.CompressorHC{Level: lz4.CompressionLevel(l.level)}
	n, err := compressor.CompressBlock(data, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}

	return compressed[:n], nil
}

// Decompress decompresses data using LZ4. Block framing does not carry
// the original length, so the buffer grows until the block fits.
func (l *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size := len(data) * 4
	if size < 64 {
		size = 64
	}

	for size <= maxDecompressedSize {
		decompressed := make([]byte, size)
		n, err := lz4.UncompressBlock(data, decompressed)
		if err == nil {
			return decompressed[:n], nil
		}
		if !errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		size *= 2
	}

	return nil, fmt.Errorf("failed to decompress: block exceeds %d bytes", maxDecompressedSize)
}

// DecompressWithSize decompresses data when the original size is known
func (l *LZ4Compressor) DecompressWithSize(data []byte, originalSize int) ([]byte, error) {
	decompressed := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(data, decompressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if n != originalSize {
		return nil, fmt.Errorf("decompressed size %d does not match expected %d", n, originalSize)
	}
	return decompressed, nil
}

// Algorithm returns the algorithm name
func (l *LZ4Compressor) Algorithm() string {
	return "lz4"
}
