package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrCallbackTimeout = errors.New("no response before the callback timed out")
	ErrNoSender        = errors.New("no transport configured for remote endpoints")
	ErrTooManyPending  = errors.New("too many requests awaiting a response")
	ErrRateLimited     = errors.New("inbound rate limit exceeded")
	ErrServiceStopped  = errors.New("messaging service stopped")
)

// RemoteError is a failure response returned by the peer a request was sent to.
type RemoteError struct {
	From    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.From, e.Message)
}

// UnknownVerbError is returned for envelopes no handler is registered for.
type UnknownVerbError struct {
	Verb Verb
}

func (e *UnknownVerbError) Error() string {
	return fmt.Sprintf("no handler registered for verb %s", e.Verb)
}
