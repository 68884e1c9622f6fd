package compression_test

import (
	"bytes"
	"testing"

	"github.com/shopsync/shopsync/internal/compression"
)

func TestRoundTripAllAlgorithms(t *testing.T) {
	// Repetitive payload so every real algorithm actually shrinks it
	payload := bytes.Repeat([]byte(`{"table":"products","record":"p1","qty":42}`), 200)

	cases := []struct {
		algorithm string
		level     int
	}{
		{"zstd", 3},
		{"lz4", 4},
		{"gzip", 6},
		{"none", 0},
	}

	for _, tc := range cases {
		t.Run(tc.algorithm, func(t *testing.T) {
			compressor, err := compression.NewCompressor(tc.algorithm, tc.level)
			if err != nil {
				t.Fatalf("Failed to create %s compressor: %v", tc.algorithm, err)
			}
			if compressor.Algorithm() != tc.algorithm {
				t.Errorf("Expected algorithm %s, got %s", tc.algorithm, compressor.Algorithm())
			}

			compressed, err := compressor.Compress(payload)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			if tc.algorithm != "none" && len(compressed) >= len(payload) {
				t.Errorf("%s did not shrink a compressible payload: %d >= %d",
					tc.algorithm, len(compressed), len(payload))
			}

			decompressed, err := compressor.Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if !bytes.Equal(decompressed, payload) {
				t.Error("Round trip did not preserve the payload")
			}
		})
	}
}

func TestRoundTripEmptyPayload(t *testing.T) {
	// lz4 block framing cannot represent an empty payload
	for _, algorithm := range []string{"zstd", "gzip", "none"} {
		compressor, err := compression.NewCompressor(algorithm, 1)
		if err != nil {
			t.Fatalf("Failed to create %s compressor: %v", algorithm, err)
		}
		compressed, err := compressor.Compress(nil)
		if err != nil {
			t.Fatalf("%s: compress of empty payload failed: %v", algorithm, err)
		}
		decompressed, err := compressor.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s: decompress failed: %v", algorithm, err)
		}
		if len(decompressed) != 0 {
			t.Errorf("%s: expected empty result, got %d bytes", algorithm, len(decompressed))
		}
	}
}

func TestNewDecompressorExpandsAnySenderLevel(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"table":"orders","record":"o1"}`), 100)

	// The receive side never learns the sender's level; whatever level
	// produced the stream, the name alone must be enough to expand it.
	cases := []struct {
		algorithm string
		level     int
	}{
		{"zstd", 9},
		{"lz4", 12},
		{"gzip", 1},
		{"none", 0},
	}

	for _, tc := range cases {
		t.Run(tc.algorithm, func(t *testing.T) {
			compressor, err := compression.NewCompressor(tc.algorithm, tc.level)
			if err != nil {
				t.Fatalf("Failed to create %s compressor: %v", tc.algorithm, err)
			}
			compressed, err := compressor.Compress(payload)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}

			decompressor, err := compression.NewDecompressor(tc.algorithm)
			if err != nil {
				t.Fatalf("NewDecompressor(%s) failed: %v", tc.algorithm, err)
			}
			decompressed, err := decompressor.Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if !bytes.Equal(decompressed, payload) {
				t.Error("Round trip did not preserve the payload")
			}
		})
	}

	if _, err := compression.NewDecompressor("brotli"); err == nil {
		t.Error("Expected error for unknown algorithm")
	}
}

func TestNewCompressorUnknownAlgorithm(t *testing.T) {
	if _, err := compression.NewCompressor("brotli", 1); err == nil {
		t.Error("Expected error for unknown algorithm")
	}
}

func TestDecompressGarbageFails(t *testing.T) {
	for _, algorithm := range []string{"zstd", "gzip"} {
		compressor, err := compression.NewCompressor(algorithm, 1)
		if err != nil {
			t.Fatalf("Failed to create %s compressor: %v", algorithm, err)
		}
		if _, err := compressor.Decompress([]byte("definitely not a compressed stream")); err == nil {
			t.Errorf("%s: expected error decompressing garbage", algorithm)
		}
	}
}
