package compression

// Compressor compresses and decompresses sync payloads and snapshots
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() string
}
