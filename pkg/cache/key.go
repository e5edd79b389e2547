package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// hashKey returns the slot identifier for key. Raw key text never reaches
// the index.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(normalizeKey(key)))
	return hex.EncodeToString(sum[:])
}
