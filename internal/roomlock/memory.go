package roomlock

import (
	"context"
	"sync"
)

type roomState struct {
	held bool
	gen  int64
}

// MemoryLocker is the in-process Locker for single-node deployments.
// The mutex covers the full read-decide-write sequence, so two
// near-simultaneous turns on the same room cannot both acquire.
type MemoryLocker struct {
	mu    sync.Mutex
	rooms map[string]*roomState
}

// NewMemoryLocker initializes an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{rooms: make(map[string]*roomState)}
}

func (l *MemoryLocker) state(roomID string) *roomState {
	st, ok := l.rooms[roomID]
	if !ok {
		st = &roomState{}
		l.rooms[roomID] = st
	}
	return st
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, roomID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(roomID)
	if st.held {
		return 0, ErrBusy
	}
	st.gen++
	st.held = true
	return st.gen, nil
}

// Release implements Locker; stale generations are ignored.
func (l *MemoryLocker) Release(_ context.Context, roomID string, gen int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(roomID)
	if st.held && st.gen == gen {
		st.held = false
	}
	return nil
}

// ForceRelease implements Locker.
func (l *MemoryLocker) ForceRelease(_ context.Context, roomID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(roomID)
	was := st.held
	st.held = false
	// Advance so an in-flight turn cannot apply its result.
	st.gen++
	return was, nil
}

// Generation implements Locker.
func (l *MemoryLocker) Generation(_ context.Context, roomID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(roomID).gen, nil
}
