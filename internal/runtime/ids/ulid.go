package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewMessageID returns the identifier stamped on outbound envelopes.
func NewMessageID() string {
	return CreateULID()
}

// NewSessionID returns a channel session identifier. Session ids end up in
// topic and subscription names, so they are lower-cased.
func NewSessionID() string {
	return strings.ToLower(CreateULID())
}

// NewBlobName returns a fresh name for an overflow blob.
func NewBlobName() string {
	return strings.ToLower(CreateULID())
}
