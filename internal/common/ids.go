package common

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MessageIDLen is the length of ids produced by NewMessageID. Stored message ids
// shorter than this are not trusted as keys.
const MessageIDLen = 32

// NewULID returns a 26-char, time-sortable id.
func NewULID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewMessageID returns a random uuid in 32-char hex form (no dashes).
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidMessageID reports whether id can be kept as a primary key.
func ValidMessageID(id string) bool {
	return len(id) >= MessageIDLen
}

// NowMillis returns the current unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
