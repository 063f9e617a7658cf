// Package idgen generates random identifiers for events, receipts and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Hex returns numBytes of crypto/rand entropy, hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix followed by 24 random hex chars (e.g. "evt_", "rcpt_").
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// RequestID returns a 32 hex char id for request correlation.
func RequestID() string {
	return Hex(16)
}
