package utils

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Fingerprint derives the cache key for a query: lowercased,
// whitespace-collapsed text plus the context level it was grounded at.
func Fingerprint(queryText, contextLevel string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(queryText)), " ")
	hash := sha256.Sum256([]byte(normalized + "|" + contextLevel))
	return fmt.Sprintf("%x", hash[:16])
}

// HashString is the content hash used for classification caching.
func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash[:16])
}
