package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random UUID for workspace, folder and file rows.
func NewID() string {
	return uuid.NewString()
}

func NewToken(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// IsID reports whether s is a well-formed row identifier.
func IsID(s string) bool {
	return uuid.Validate(s) == nil
}
