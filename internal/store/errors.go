package store

import (
	"errors"
	"fmt"
)

// ErrDuplicateCycle is wrapped by Append when the agent already has a record
// with the same cycle number.
var ErrDuplicateCycle = errors.New("cycle number already recorded")

// StoreError reports an I/O failure of the backing store.
type StoreError struct {
	Op  string // "append", "query", "list_agents", ...
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError reports a malformed query parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
