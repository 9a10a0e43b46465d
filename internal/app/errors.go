package app

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound indicates the target room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPermissionDenied indicates a private room targeted by a non-owner,
	// or an owner-only operation attempted by someone else.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRoomBusy indicates the room is waiting on an in-flight reply.
	ErrRoomBusy = errors.New("room is busy replying")
	// ErrNothingToRegenerate indicates the transcript does not end in an
	// assistant message.
	ErrNothingToRegenerate = errors.New("nothing to regenerate")
	// ErrNotWaiting indicates a stop on a room with no reply in progress.
	ErrNotWaiting = errors.New("room has no reply in progress")
	// ErrTurnSuperseded indicates the turn was stopped while its completion
	// call was in flight; the late result was discarded.
	ErrTurnSuperseded = errors.New("turn superseded by manual stop")
	// ErrTurnQuotaExceeded indicates the room hit its turn rate quota.
	ErrTurnQuotaExceeded = errors.New("turn quota exceeded")
)

// ValidationError reports rejected input; the message carries the accepted
// form (e.g. the valid index range).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
