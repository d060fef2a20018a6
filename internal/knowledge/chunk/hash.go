package chunk

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashText returns the sha256 hex digest of s, used for both note-level
// content_hash and per-chunk change detection (spec §4.1 step 2).
// Grounded on the teacher's memory-core/internal/hash.go.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashBytes is the []byte variant, used when hashing raw file contents.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
