// Package storage defines the blob contract behind the postbox document
// store: one JSON document per backend, read and written whole.
package storage

import (
	"context"
	"errors"
)

// ContentTypeJSON is recorded on object backends that carry metadata.
const ContentTypeJSON = "application/json"

// DocumentName is the file or object name of the message document below a
// backend's path or prefix.
const DocumentName = "data.json"

// ErrNotFound indicates the document does not exist yet.
var ErrNotFound = errors.New("storage: not found")

// Backend reads and writes the full message document.
type Backend interface {
	// ReadDocument returns the stored bytes or ErrNotFound.
	ReadDocument(ctx context.Context) ([]byte, error)
	// WriteDocument replaces the stored document with data.
	WriteDocument(ctx context.Context, data []byte) error
	Close() error
}

// Locker is implemented by backends that can exclude other processes for
// the duration of a read-modify-write cycle.
type Locker interface {
	Lock(ctx context.Context) (unlock func() error, err error)
}

// Describer is implemented by backends that can name their location for logs
// and the verify command.
type Describer interface {
	Describe() string
}

// Unwrapper is implemented by decorators so callers can reach optional
// interfaces of the wrapped backend.
type Unwrapper interface {
	Unwrap() Backend
}

// AsLocker walks decorators until it finds a Locker.
func AsLocker(b Backend) (Locker, bool) {
	for b != nil {
		if l, ok := b.(Locker); ok {
			return l, true
		}
		u, ok := b.(Unwrapper)
		if !ok {
			return nil, false
		}
		b = u.Unwrap()
	}
	return nil, false
}

// Describe returns the backend description, walking decorators.
func Describe(b Backend) string {
	for b != nil {
		if d, ok := b.(Describer); ok {
			return d.Describe()
		}
		u, ok := b.(Unwrapper)
		if !ok {
			break
		}
		b = u.Unwrap()
	}
	return "unknown"
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
