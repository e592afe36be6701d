package storage

import (
	"errors"
	"fmt"
)

var (
	ErrEngineClosed        = errors.New("storage engine is closed")
	ErrEmptySegment        = errors.New("cannot flush an empty segment")
	ErrTableExists         = errors.New("table already exists")
	ErrValidationQueueFull = errors.New("validation queue is full")
)

// UnknownTableError is returned when a keyspace/table pair no longer resolves,
// typically because the schema changed while a repair was in flight.
type UnknownTableError struct {
	Keyspace string
	Table    string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %s.%s", e.Keyspace, e.Table)
}

// IsUnknownTable reports whether err (or anything it wraps) is an UnknownTableError.
func IsUnknownTable(err error) bool {
	var target *UnknownTableError
	return errors.As(err, &target)
}
