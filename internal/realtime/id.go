package realtime

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a ULID used as websocket session id.
// ULIDs are lexicographically sortable, which keeps log trails readable.
func NewSessionID(now time.Time) string {
	return newULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id. Clients dedupe
// server events by this id, so it must be unique per envelope.
func NewEnvelopeID(now time.Time) string {
	return newULID(now)
}

func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand failing is unrecoverable in practice.
		panic(err)
	}
	return id.String()
}
