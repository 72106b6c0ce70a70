// Package utils provides small helpers shared across modules: identifiers,
// content fingerprints and file writes.
package utils

import (
	"github.com/google/uuid"
)

// IsValidUUID checks if a string is a valid UUID.
// Accepts UUID strings with or without hyphens.
func IsValidUUID(uuidStr string) bool {
	_, err := uuid.Parse(uuidStr)
	return err == nil
}
