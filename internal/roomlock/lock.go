// Package roomlock provides the per-room single-flight guard for turns.
//
// A turn acquires the lock and receives a generation number; the completion
// result may only be applied while that generation is still current. A manual
// stop force-releases the lock and advances the generation, so a late
// response from the completion service is recognized as stale and discarded.
package roomlock

import (
	"context"
	"errors"
)

// ErrBusy is returned by Acquire while another turn holds the room.
var ErrBusy = errors.New("room locked by another turn")

// Locker is the turn state machine: IDLE -> LOCKED on Acquire,
// LOCKED -> IDLE on Release or ForceRelease. Every exit path of a turn must
// release exactly once; a leaked lock is only recoverable via ForceRelease.
type Locker interface {
	// Acquire transitions the room to LOCKED and returns the turn generation.
	Acquire(ctx context.Context, roomID string) (int64, error)
	// Release returns the room to IDLE if gen is still the current generation.
	// Stale releases are no-ops.
	Release(ctx context.Context, roomID string, gen int64) error
	// ForceRelease clears the lock unconditionally and advances the
	// generation so any in-flight turn becomes stale. It reports whether the
	// room was locked.
	ForceRelease(ctx context.Context, roomID string) (bool, error)
	// Generation returns the room's current generation.
	Generation(ctx context.Context, roomID string) (int64, error)
}
