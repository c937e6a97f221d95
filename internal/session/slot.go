// Package session holds the ConnectionSlot: the single place that says which
// client connection, if any, currently receives transcript events.
//
// The gateway installs a connection when a client connects and clears it on
// disconnect; the bridge reads it once per event. Reads and writes are
// lock-free atomic pointer operations, so a delivery racing a takeover sees
// either the old or the new connection and never a torn value.
package session

import (
	"context"
	"sync/atomic"
)

// Channel is an outbound connection to one client.
//
// Implementations must be comparable (in practice, pointer types): the Slot
// identifies the installed channel by interface equality.
type Channel interface {
	// ID returns a unique identifier for logging.
	ID() string

	// Send writes one text message. It must respect ctx for its deadline.
	Send(ctx context.Context, msg []byte) error

	// Close closes the connection with a human-readable reason.
	Close(reason string) error
}

// entry boxes a Channel so that it can live behind an atomic.Pointer.
type entry struct {
	ch Channel
}

// Slot holds at most one Channel. The zero value is an empty slot. All
// methods are safe for concurrent use.
type Slot struct {
	cur atomic.Pointer[entry]
}

// Load returns the installed channel, or nil when the slot is empty.
func (s *Slot) Load() Channel {
	if e := s.cur.Load(); e != nil {
		return e.ch
	}
	return nil
}

// Swap installs ch (nil empties the slot) and returns the channel it
// replaced, or nil. The last writer wins.
func (s *Slot) Swap(ch Channel) Channel {
	var next *entry
	if ch != nil {
		next = &entry{ch: ch}
	}
	if prev := s.cur.Swap(next); prev != nil {
		return prev.ch
	}
	return nil
}

// SetIfEmpty installs ch only when no channel is installed and reports
// whether it did.
func (s *Slot) SetIfEmpty(ch Channel) bool {
	return s.cur.CompareAndSwap(nil, &entry{ch: ch})
}

// ClearIf empties the slot only if it still holds ch, and reports whether
// it did. A connection that was replaced by a newer one must not clear its
// successor.
func (s *Slot) ClearIf(ch Channel) bool {
	for {
		e := s.cur.Load()
		if e == nil || e.ch != ch {
			return false
		}
		if s.cur.CompareAndSwap(e, nil) {
			return true
		}
	}
}
