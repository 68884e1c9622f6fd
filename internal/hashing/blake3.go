// Package hashing provides the BLAKE3 digests used for snapshot chunk
// verification and whole-dump checksums. Hashes travel on the wire as
// lowercase hex strings.
package hashing

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashString digests data and returns the hex form. This is the format
// carried in chunk and snapshot announcement messages.
func HashString(data []byte) string {
	hasher := blake3.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashReaderString streams reader through BLAKE3 and returns the hex
// digest. Used to checksum snapshot dumps without loading them whole.
func HashReaderString(reader io.Reader) (string, error) {
	if reader == nil {
		return "", fmt.Errorf("reader cannot be nil")
	}
	hasher := blake3.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
