package compression

import "fmt"

// NewCompressor resolves the algorithm configured under sync.compression
// (and used for snapshot chunks) to a concrete implementation. The
// level parameter is interpreted per algorithm; "none" ignores it.
func NewCompressor(algorithm string, level int) (Compressor, error) {
	switch algorithm {
	case "zstd":
		return NewZstdCompressor(level)
	case "lz4":
		return NewLZ4Compressor(level)
	case "gzip":
		return NewGzipCompressor(level)
	case "none":
		return NewNoOpCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
	}
}

// NewDecompressor resolves an algorithm for the receive side, where
// only Decompress is called. Levels shape the encoder alone, so each
// algorithm gets a fixed valid level; the peer's level never travels
// with the stream and must not matter here.
func NewDecompressor(algorithm string) (Compressor, error) {
	switch algorithm {
	case "zstd":
		return NewZstdCompressor(3)
	case "lz4":
		return NewLZ4Compressor(1)
	case "gzip":
		return NewGzipCompressor(6)
	case "none":
		return NewNoOpCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
	}
}

// NoOpCompressor passes payloads through untouched. Useful when the
// transport already compresses, or when debugging wire captures.
type NoOpCompressor struct{}

// NewNoOpCompressor returns the pass-through compressor
func NewNoOpCompressor() *NoOpCompressor {
	return &NoOpCompressor{}
}

// Compress returns data unchanged
func (n *NoOpCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

// Decompress returns data unchanged
func (n *NoOpCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

// Algorithm returns "none"
func (n *NoOpCompressor) Algorithm() string {
	return "none"
}
