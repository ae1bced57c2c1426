// Package sha256 provides the SHA-256 digests behind fingerprints and cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// partSeparator cannot appear in normalized identity text.
const partSeparator = "\x1f"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashParts digests parts in order, separated so that ("ab","c") and ("a","bc") differ.
func (h *Hasher) HashParts(parts ...string) string {
	digest := sha256.New()
	for i, part := range parts {
		if i > 0 {
			digest.Write([]byte(partSeparator))
		}
		digest.Write([]byte(part))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
