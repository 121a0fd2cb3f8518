// Package identity implements content hashing and ID derivation. Asset IDs
// are SHA-256 hex digests of the asset bytes, so the ID is always derivable
// from the content and identical bytes share one identity.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"assetvault/internal/domain"
)

const hashChunkSize = 1 << 20

// SHA256Hex streams r through a SHA-256 accumulator in bounded-size chunks
// and returns the lowercase hex digest. Memory use is O(chunk), independent
// of the input size.
func SHA256Hex(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256HexFile hashes the file at path.
func SHA256HexFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()
	return SHA256Hex(f)
}

// SHA256HexBytes hashes an in-memory payload.
func SHA256HexBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AssetIDFromContentHash derives the asset ID from a content hash. The
// mapping is deliberately 1:1: a valid hash is returned unchanged, anything
// else fails with domain.ErrInvalidHash.
func AssetIDFromContentHash(contentHash string) (string, error) {
	if len(contentHash) != 64 {
		return "", domain.ErrInvalidHash
	}
	for _, c := range contentHash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", domain.ErrInvalidHash
		}
	}
	return contentHash, nil
}

// NewJobID generates a random job ID with the same 64-hex shape as asset IDs.
func NewJobID() string {
	u := uuid.New()
	return SHA256HexBytes(u[:])
}
