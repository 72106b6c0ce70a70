package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintBytes returns the hex sha256 of data.
func FingerprintBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TruncateHash truncates a hash to specified length for display
func TruncateHash(hash string, length int) string {
	if len(hash) <= length {
		return hash
	}
	return hash[:length] + "..."
}
