package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Stream is an acquired media resource.
type Stream interface {
	Close() error
}

// Devices acquires media streams for a session.
type Devices interface {
	Acquire(ctx context.Context, d Device) (Stream, error)
}

// Scope owns acquired streams and releases each exactly once.
type Scope struct {
	mu       sync.Mutex
	streams  map[Device]Stream
	released bool
}

// NewScope creates an empty Scope.
func NewScope() *Scope {
	return &Scope{streams: make(map[Device]Stream)}
}

// Add takes ownership of s. Adding to a released scope closes s at once.
// A stream already held for d is closed and replaced.
func (sc *Scope) Add(d Device, s Stream) error {
	sc.mu.Lock()
	if sc.released {
		sc.mu.Unlock()
		return s.Close()
	}
	prev := sc.streams[d]
	sc.streams[d] = s
	sc.mu.Unlock()

	if prev != nil {
		return prev.Close()
	}
	return nil
}

// Has reports whether a stream for d is held.
func (sc *Scope) Has(d Device) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.streams[d]
	return ok
}

// Release closes every stream. Later calls return nil.
func (sc *Scope) Release() error {
	sc.mu.Lock()
	if sc.released {
		sc.mu.Unlock()
		return nil
	}
	sc.released = true
	streams := sc.streams
	sc.streams = make(map[Device]Stream)
	sc.mu.Unlock()

	var errs []error
	for d, s := range streams {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}
