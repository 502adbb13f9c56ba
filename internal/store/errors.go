package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup for a required key misses.
var ErrNotFound = errors.New("not found")

// DecodeError reports a JSON column that could not be decoded.
type DecodeError struct {
	Table  string
	Column string
	Key    string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s.%s for %s: %v", e.Table, e.Column, e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
