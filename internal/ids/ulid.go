// Package ids provides ID primitives (ULID) used across the messaging core.
package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a 26-char ULID for the given time (zero means now).
// The monotonic entropy source keeps IDs strictly increasing within a
// timestamp, so lexicographic order doubles as creation order and serves as
// the tiebreaker in the (created_at, id) message sort key.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID panics on entropy failure. Used at entity-creation sites where
// there is no sane recovery anyway.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}
