package store

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingStore is matched by every *MissingStoreError.
	ErrMissingStore = errors.New("store: missing")
	// ErrCorruptStore is matched by every *CorruptStoreError.
	ErrCorruptStore = errors.New("store: corrupt")
)

// MissingStoreError reports that the document does not exist at Location.
type MissingStoreError struct {
	Location string
}

func (e *MissingStoreError) Error() string {
	return fmt.Sprintf("store: document missing at %s", e.Location)
}

// Is lets errors.Is match ErrMissingStore.
func (e *MissingStoreError) Is(target error) bool { return target == ErrMissingStore }

// CorruptStoreError reports a document that is not a JSON object of
// timestamp to record.
type CorruptStoreError struct {
	Location string
	Err      error
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("store: document at %s is corrupt: %v", e.Location, e.Err)
}

func (e *CorruptStoreError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrCorruptStore.
func (e *CorruptStoreError) Is(target error) bool { return target == ErrCorruptStore }
