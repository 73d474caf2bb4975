// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// External ID prefixes.
const (
	PrefixTransaction = "txn_"
	PrefixDispute     = "dsp_"
	PrefixEscalation  = "esc_"
	PrefixEvidence    = "evd_"
	PrefixAgent       = "agt_"
	PrefixEntry       = "cle_"
)

// Internal returns a random UUIDv4 used as an entity's internal primary key.
func Internal() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "txn_", "dsp_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

func Transaction() string { return WithPrefix(PrefixTransaction) }
func Dispute() string     { return WithPrefix(PrefixDispute) }
func Escalation() string  { return WithPrefix(PrefixEscalation) }
func Evidence() string    { return WithPrefix(PrefixEvidence) }
func Agent() string       { return WithPrefix(PrefixAgent) }

// IsExternal reports whether id carries the given external prefix.
func IsExternal(id, prefix string) bool {
	return len(id) > len(prefix) && id[:len(prefix)] == prefix
}
