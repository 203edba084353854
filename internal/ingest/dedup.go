package ingest

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashKey is the dedup-key fallback when no stable upstream identifier
// exists: a hex sha256 of the input.
func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
