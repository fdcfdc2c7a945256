package chat

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid argument")
)

// DurableWriteError means the database rejected a write after the cache had
// already been updated. The cache entry has been invalidated by the time the
// caller sees it.
type DurableWriteError struct {
	Op  string
	Key string
	Err error
}

func (e *DurableWriteError) Error() string {
	return fmt.Sprintf("durable write %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *DurableWriteError) Unwrap() error { return e.Err }

// isDuplicate recognises primary-key and unique-index violations. gorm
// translates them when the dialect supports it; driver messages cover the rest.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "constraint failed: PRIMARY KEY")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
