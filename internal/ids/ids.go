// Package ids generates identifiers for persisted rows.
package ids

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// Ordered returns a ULID. Values from one process sort in generation order,
// which is what transcript and event ordering rely on.
func Ordered() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Random returns a UUIDv4 for rows whose ids carry no ordering.
func Random() string {
	return uuid.NewString()
}
