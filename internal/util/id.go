package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 24-character hex id, used for request ids.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
