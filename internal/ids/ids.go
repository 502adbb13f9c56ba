// Package ids allocates identifiers and timestamps for channels, messages
// and attachments.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ID is a random (v4) 128-bit identifier.
type ID = uuid.UUID

// Nil is the sentinel meaning "no channel".
var Nil = uuid.Nil

// New returns a fresh v4 identifier.
func New() ID {
	return uuid.New()
}

// Parse parses the canonical string form of an ID.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// NewAttachmentName returns a new attachment name (ULID, 26 chars).
func NewAttachmentName() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

// Clock returns the current wall-clock time. Tests may replace it.
var Clock = time.Now

// Now returns seconds since the Unix epoch.
func Now() int64 {
	return Clock().Unix()
}
