package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"mts-core/internal/agent"
)

// NewIdempotencyKey derives the deduplication token for one logical action.
// The same intent with the same nonce always hashes to the same key, so a
// retried submission can never produce a second exchange-side effect.
func NewIdempotencyKey(in agent.Intent, nonce string) string {
	payload := fmt.Sprintf("%s|%s|%s|%.10f|%.10f|%s",
		in.Role, in.Kind, in.Instrument, in.Size, in.PriceLimit, nonce)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// validKey reports whether a key looks like a sha256 hex digest.
func validKey(key string) bool {
	if len(key) != 64 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}
