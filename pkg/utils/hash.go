package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CacheKey builds a stable key from a namespace and the hashed payload parts.
func CacheKey(namespace string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return namespace + ":" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeKey folds case and collapses whitespace, for exact-text matching.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
