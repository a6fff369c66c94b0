// Package ids generates the 26-character Crockford base32 ULIDs used for
// every task, audit entry, and template id, per spec §3: lexicographically
// sortable and time-ordered so that ULID comparison doubles as creation
// order.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID for the current instant. Monotonic entropy
// guarantees strictly increasing ids even for ids minted within the same
// millisecond, which the audit log's ordering contract (invariant 7)
// depends on.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAt returns a new ULID stamped with t, for callers that need
// deterministic, ordered fixtures. Nothing in the module calls it.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
