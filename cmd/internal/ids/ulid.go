// Package ids provides the ULID primitives used for message, client and envelope ids.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string (26 chars) timestamped with now.
// IDs minted within the same millisecond sort in creation order.
func New(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew is New for callers that cannot surface an error (entropy exhaustion only).
func MustNew(now time.Time) string {
	id, err := New(now)
	if err != nil {
		panic("ids: " + err.Error())
	}
	return id
}

// Time extracts the timestamp embedded in a ULID string.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}
