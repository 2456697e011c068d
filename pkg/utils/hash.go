package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PromptFingerprint hashes a prompt after whitespace and case normalization so
// repeated validations of the same question can be grouped in history.
func PromptFingerprint(prompt string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(prompt), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
