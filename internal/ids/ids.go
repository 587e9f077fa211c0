package ids

import (
	crand "crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for users, tickets and audit entries.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Nonce returns 8 random bytes hex-encoded. Panics only if the system entropy source fails.
func Nonce() string {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		panic("ids: read random nonce: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Valid reports whether s parses as an identifier produced by New.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
