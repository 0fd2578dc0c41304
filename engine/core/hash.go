package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashText digests text for content-based deduplication. The truncated hex
// form keeps keys short while staying collision-safe for corpus sizes here.
func HashText(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}
