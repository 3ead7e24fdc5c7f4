package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Cache.
	ErrClosed = errors.New("cache: closed")
	// ErrNoSource is returned on a miss when Options.Source is nil.
	ErrNoSource = errors.New("cache: no block source configured")
	// ErrNoSink is returned by Write when Options.Sink is nil.
	ErrNoSink = errors.New("cache: no block sink configured")
	// ErrInvalidKey is returned for the zero block.Key.
	ErrInvalidKey = errors.New("cache: invalid key")
	// ErrReferenced is returned by Remove while the block is pinned or being read.
	ErrReferenced = errors.New("cache: block is referenced")
)

// InvariantError reports internal inconsistency. The cache panics with it;
// continuing would risk handing out wrong data.
type InvariantError struct{ Msg string }

func (e *InvariantError) Error() string { return "cache: invariant violated: " + e.Msg }

func invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}
