// Package idgen mints random identifiers for ledger entries, transfer
// references, and dispute payouts.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix plus 24 random hex characters, e.g.
// WithPrefix("tr_") for a transfer reference. IDs come from crypto/rand
// so references handed to external services are unguessable.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
