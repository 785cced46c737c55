// Package digest defines the 32-byte chunk identity shared by the chunk
// store, index files and the manifest (spec.md §3).
package digest

import (
	"encoding/hex"
	"fmt"

	"crypto/sha256"
)

// Size is the digest length in bytes (SHA-256).
const Size = 32

// Digest is the content identity of a chunk: SHA-256 of its plaintext.
type Digest [Size]byte

// Of computes the digest of data.
func Of(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// String renders the digest as lowercase hex, matching the chunk store's
// on-disk filename.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Prefix returns the first two hex characters, i.e. the chunk store's
// subdirectory name for this digest.
func (d Digest) Prefix() string {
	return hex.EncodeToString(d[:1])
}

// Parse decodes a hex digest string back into a Digest.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("invalid digest length %q: got %d bytes, want %d", s, len(b), Size)
	}
	copy(d[:], b)
	return d, nil
}
