// Package util provides identifier, text and environment helpers shared across components.
package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateRandomID returns prefix followed by hexLength random hex digits,
// e.g. "outbox_3f9a...".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length lowercase hex digits.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	buf := make([]byte, (length+1)/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:length]
}

// GenerateMessageID returns an inbound message ID for transports that do not
// supply one.
func GenerateMessageID() string {
	return "msg_" + uuid.NewString()
}

// GenerateLockToken returns a unique token identifying one lock holder.
func GenerateLockToken() string {
	return uuid.NewString()
}
