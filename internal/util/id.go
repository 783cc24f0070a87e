// Package util holds small helpers shared across the deckwork packages.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit identifier, hex-encoded. A non-empty
// prefix ("deck", "sl", "cm") is prepended with an underscore so IDs are
// recognisable in logs and database dumps.
func NewID(prefix string) string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	id := hex.EncodeToString(buf[:])
	if prefix != "" {
		id = prefix + "_" + id
	}
	return id
}
