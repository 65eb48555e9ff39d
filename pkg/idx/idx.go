// Package idx generates the client's correlation identifiers: the
// X-Request-ID of REST calls and the id of realtime request frames. IDs are
// ULIDs, so they sort by creation time in logs.
package idx

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type ID string

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns an ID for the current time. IDs from one process are strictly
// increasing, even within the same millisecond.
func New() ID {
	return newAt(time.Now().UTC())
}

func newAt(t time.Time) ID {
	mu.Lock()
	defer mu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

func (id ID) String() string { return string(id) }
