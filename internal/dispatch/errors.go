package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("dispatch: not found")
	ErrInvalidTransition = errors.New("dispatch: invalid state transition")
	ErrNotRetryable      = errors.New("dispatch: item not retryable")
	ErrRetryLimit        = errors.New("dispatch: retry limit reached")
	ErrNoRecipients      = errors.New("dispatch: batch has no recipients")
	ErrClosed            = errors.New("dispatch: engine closed")
)

// StateError rejects a caller-requested transition. Nothing changed.
type StateError struct {
	BatchID string
	Op      string
	From    BatchStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("dispatch: cannot %s batch %s while %s", e.Op, e.BatchID, e.From)
}

func (e *StateError) Unwrap() error { return ErrInvalidTransition }

// ItemError rejects a retry request for a specific item.
type ItemError struct {
	BatchID string
	ItemID  string
	Reason  string
	Err     error
}

func (e *ItemError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: batch %s item %s", e.Err, e.BatchID, e.ItemID)
	}
	return fmt.Sprintf("%v: batch %s item %s: %s", e.Err, e.BatchID, e.ItemID, e.Reason)
}

func (e *ItemError) Unwrap() error { return e.Err }
