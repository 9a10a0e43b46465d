package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"roomchat/internal/roomlock"
	"roomchat/pkg/domain"
	"roomchat/pkg/store"
)

// RunTurn appends the user message, asks the completion service for a reply,
// and commits the new transcript. The user message is persisted before the
// completion call so a failed turn still keeps it. All post-completion writes
// are gated on the lock generation minted at acquire time; a manual stop
// bumps the generation and turns the in-flight commit into a no-op.
func (a *App) RunTurn(ctx context.Context, caller, name, quotedMessageID, text string) (domain.TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return domain.TurnResult{}, validationf("message text is required")
	}
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.TurnResult{}, err
	}
	if !room.CanUse(caller) {
		return domain.TurnResult{}, ErrPermissionDenied
	}
	if room.IsWaiting {
		return domain.TurnResult{}, ErrRoomBusy
	}
	if a.quota != nil && !a.quota.Allow(room.ID) {
		return domain.TurnResult{}, ErrTurnQuotaExceeded
	}
	outgoing := append(slices.Clone(room.Messages), domain.Message{Role: domain.RoleUser, Content: text})
	return a.completeTurn(ctx, room, outgoing, false)
}

// Regenerate drops the trailing assistant message and reruns the completion
// over the shortened transcript. Only a transcript ending in an assistant
// message qualifies.
func (a *App) Regenerate(ctx context.Context, caller, name, quotedMessageID string) (domain.TurnResult, error) {
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.TurnResult{}, err
	}
	if !room.CanUse(caller) {
		return domain.TurnResult{}, ErrPermissionDenied
	}
	if room.IsWaiting {
		return domain.TurnResult{}, ErrRoomBusy
	}
	last := len(room.Messages) - 1
	if last < 1 || room.Messages[last].Role != domain.RoleAssistant {
		return domain.TurnResult{}, ErrNothingToRegenerate
	}
	outgoing := slices.Clone(room.Messages[:last])
	return a.completeTurn(ctx, room, outgoing, true)
}

// completeTurn holds the room lock for the duration of one completion call
// and commits the resulting transcript.
func (a *App) completeTurn(ctx context.Context, room domain.Room, outgoing []domain.Message, regenerated bool) (domain.TurnResult, error) {
	gen, err := a.locker.Acquire(ctx, room.ID)
	if err != nil {
		if errors.Is(err, roomlock.ErrBusy) {
			return domain.TurnResult{}, ErrRoomBusy
		}
		return domain.TurnResult{}, fmt.Errorf("acquire room lock: %w", err)
	}

	waiting := true
	if err := a.store.UpdateRoom(room.ID, store.RoomUpdate{IsWaiting: &waiting, Messages: &outgoing}); err != nil {
		_ = a.locker.Release(ctx, room.ID, gen)
		return domain.TurnResult{}, fmt.Errorf("persist pending turn: %w", err)
	}

	reply, err := a.completer.Complete(ctx, outgoing)
	if err != nil {
		if a.abortedByStop(ctx, room.ID, gen) {
			return domain.TurnResult{}, ErrTurnSuperseded
		}
		waiting = false
		if uerr := a.store.UpdateRoom(room.ID, store.RoomUpdate{IsWaiting: &waiting}); uerr != nil {
			slog.Error("clear waiting flag after failed turn", "room", room.ID, "error", uerr)
		}
		_ = a.locker.Release(ctx, room.ID, gen)
		return domain.TurnResult{}, err
	}

	reply = redactReasoning(reply, a.redactEnabled)
	messageID := uuid.NewString()
	final := append(outgoing, domain.Message{Role: domain.RoleAssistant, Content: reply})

	applied, err := a.commitTurn(ctx, room.ID, gen, final, messageID)
	if err != nil {
		return domain.TurnResult{}, err
	}
	if !applied {
		return domain.TurnResult{}, ErrTurnSuperseded
	}
	return domain.TurnResult{
		Reply:         reply,
		MessageID:     messageID,
		TranscriptLen: len(final),
		Regenerated:   regenerated,
	}, nil
}

// abortedByStop reports whether a manual stop claimed the room while the
// completion call was in flight. In that case the stop already cleared the
// waiting flag and this turn must not touch the room.
func (a *App) abortedByStop(ctx context.Context, roomID string, gen int64) bool {
	current, err := a.locker.Generation(ctx, roomID)
	return err == nil && current != gen
}

// commitTurn writes the finished transcript if the lock generation is still
// current. A stale generation means a manual stop intervened; the result is
// discarded without any write.
func (a *App) commitTurn(ctx context.Context, roomID string, gen int64, messages []domain.Message, messageID string) (bool, error) {
	if a.abortedByStop(ctx, roomID, gen) {
		return false, nil
	}
	waiting := false
	update := store.RoomUpdate{IsWaiting: &waiting, Messages: &messages, LastMessageID: &messageID}
	if err := a.store.UpdateRoom(roomID, update); err != nil {
		_ = a.locker.Release(ctx, roomID, gen)
		return false, fmt.Errorf("commit turn: %w", err)
	}
	if err := a.locker.Release(ctx, roomID, gen); err != nil {
		slog.Warn("release room lock", "room", roomID, "error", err)
	}
	return true, nil
}
