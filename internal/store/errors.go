package store

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that a single row required by contract does not
	// exist. Collection reads never return it: an empty stream is an empty
	// slice, not an error.
	ErrNotFound = errors.New("not found")

	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// wrapErr maps driver failures into the two-kind taxonomy: sql.ErrNoRows
// becomes ErrNotFound, everything else stays opaque but carries the
// operation name for context.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
