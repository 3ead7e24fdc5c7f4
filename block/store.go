package block

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Reader when no block exists at the key.
// It is a permanent error.
var ErrNotFound = errors.New("block: not found")

// Reader fetches the bytes of one block from primary storage.
// Implementations must be safe for concurrent use.
type Reader interface {
	ReadBlock(ctx context.Context, k Key) ([]byte, error)
}

// Writer persists one block to primary storage and returns once it is durable.
type Writer interface {
	WriteBlock(ctx context.Context, k Key, data []byte) error
}

// Store is a block device that can both read and write.
type Store interface {
	Reader
	Writer
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(ctx context.Context, k Key) ([]byte, error)

// ReadBlock calls f(ctx, k).
func (f ReaderFunc) ReadBlock(ctx context.Context, k Key) ([]byte, error) { return f(ctx, k) }

// TransientError marks an I/O failure that may succeed if retried.
type TransientError struct {
	Op  string
	Key Key
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("block: transient %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err returns nil.
func Transient(op string, k Key, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Key: k, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
