package repair

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrParentSessionConflict rejects a PREPARE reusing a live parent session
	// id for a different set of tables or ranges.
	ErrParentSessionConflict = errors.New("parent repair session already registered with different tables or ranges")

	ErrStagesStopped = errors.New("repair stages stopped")
)

// ProtocolMismatchError reports a message whose payload does not agree with
// its declared type. Such messages are dropped, never retried.
type ProtocolMismatchError struct {
	Declared MessageType
	Actual   MessageType // empty when the payload could not be decoded at all
	Cause    error
}

func (e *ProtocolMismatchError) Error() string {
	if e.Actual != "" {
		return fmt.Sprintf("protocol mismatch: declared %s but payload is %s", e.Declared, e.Actual)
	}
	return fmt.Sprintf("protocol mismatch: payload does not decode as %s: %v", e.Declared, e.Cause)
}

func (e *ProtocolMismatchError) Unwrap() error {
	return e.Cause
}

// AntiCompactionError wraps the failure of an anti-compaction run. A partially
// anti-compacted table needs an operator; the run is not retried.
type AntiCompactionError struct {
	ParentSessionID uuid.UUID
	Cause           error
}

func (e *AntiCompactionError) Error() string {
	return fmt.Sprintf("anti-compaction for parent repair session %s failed: %v", e.ParentSessionID, e.Cause)
}

func (e *AntiCompactionError) Unwrap() error {
	return e.Cause
}
