// Package instance derives a stable per-host session identifier that is
// mixed into idempotency nonces and audit records, so retried submissions
// from the same process dedupe while distinct hosts never collide.
package instance

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/denisbrodbeck/machineid"
)

// ID returns a stable identifier for this host, protected (keyed) with the
// application name. Falls back to a random id when the platform exposes no
// machine id, so the process still runs in containers.
func ID() string {
	id, err := machineid.ProtectedID("mts-core")
	if err == nil && id != "" {
		return id[:16]
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(buf)
}
