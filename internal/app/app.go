// Package app holds the room lifecycle operations and the conversation
// engine driving turns against the completion service.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"roomchat/internal/ratelimit"
	"roomchat/internal/roomlock"
	"roomchat/pkg/ai"
	"roomchat/pkg/card"
	"roomchat/pkg/domain"
	"roomchat/pkg/render"
	"roomchat/pkg/storage"
	"roomchat/pkg/store"
)

// personaPreamble introduces a card-derived persona document as the preset.
const personaPreamble = "请你代入以下角色设定，"

// cardDescriptionFallback labels rooms whose card carries no description.
const cardDescriptionFallback = "由角色卡创建"

// Config wires the application dependencies. Renderer, Archive, and Quota
// are optional; the rest are required.
type Config struct {
	Store               store.Store
	Completer           ai.Completer
	Locker              roomlock.Locker
	Renderer            *render.Client
	Archive             storage.Archive
	Quota               *ratelimit.TurnQuota
	RedactReasoning     bool
	AllowOpenRoomDelete bool
	HistoryPageSize     int
}

// App is the core application service.
type App struct {
	store               store.Store
	completer           ai.Completer
	locker              roomlock.Locker
	renderer            *render.Client
	archive             storage.Archive
	quota               *ratelimit.TurnQuota
	redactEnabled       bool
	allowOpenRoomDelete bool
	historyPageSize     int
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer required")
	}
	if cfg.Locker == nil {
		return nil, fmt.Errorf("room locker required")
	}
	pageSize := cfg.HistoryPageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	return &App{
		store:               cfg.Store,
		completer:           cfg.Completer,
		locker:              cfg.Locker,
		renderer:            cfg.Renderer,
		archive:             cfg.Archive,
		quota:               cfg.Quota,
		redactEnabled:       cfg.RedactReasoning,
		allowOpenRoomDelete: cfg.AllowOpenRoomDelete,
		historyPageSize:     pageSize,
	}, nil
}

// ResolveRoom finds the target room by explicit name, falling back to
// quote-resolution against the last delivered message id. Only the most
// recent id per room resolves; older bot messages do not.
func (a *App) ResolveRoom(name, quotedMessageID string) (domain.Room, error) {
	if strings.TrimSpace(name) != "" {
		room, ok, err := a.store.GetRoomByName(name)
		if err != nil {
			return domain.Room{}, fmt.Errorf("load room: %w", err)
		}
		if !ok {
			return domain.Room{}, ErrRoomNotFound
		}
		return room, nil
	}
	if strings.TrimSpace(quotedMessageID) != "" {
		room, ok, err := a.store.GetRoomByLastMessageID(quotedMessageID)
		if err != nil {
			return domain.Room{}, fmt.Errorf("resolve quote: %w", err)
		}
		if ok {
			return room, nil
		}
	}
	return domain.Room{}, ErrRoomNotFound
}

// guard applies the shared existence/permission/busy checks. Manual stop is
// the only operation allowed through on a busy room.
func (a *App) guard(room domain.Room, caller string, needOwner, allowBusy bool) error {
	if !room.CanUse(caller) {
		return ErrPermissionDenied
	}
	if needOwner && !room.IsOwner(caller) {
		return ErrPermissionDenied
	}
	if !allowBusy && room.IsWaiting {
		return ErrRoomBusy
	}
	return nil
}

// CreateRoom creates a room with a fresh single-message transcript.
func (a *App) CreateRoom(owner, name, preset string) (domain.Room, error) {
	if err := validateRoomName(name); err != nil {
		return domain.Room{}, err
	}
	if strings.TrimSpace(preset) == "" {
		return domain.Room{}, validationf("preset is required")
	}
	room, err := a.store.CreateRoom(domain.Room{
		Name:     name,
		Preset:   preset,
		Owner:    owner,
		IsOpen:   true,
		Messages: freshTranscript(preset),
	})
	if err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			return domain.Room{}, err
		}
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// CreateRoomFromCard builds a room whose preset is the persona document
// extracted from a PNG character card.
func (a *App) CreateRoomFromCard(owner, name string, image []byte) (domain.Room, error) {
	if err := validateRoomName(name); err != nil {
		return domain.Room{}, err
	}
	fields, err := card.Parse(image)
	if err != nil {
		return domain.Room{}, err
	}
	doc, err := card.RenderDocument(fields)
	if err != nil {
		return domain.Room{}, err
	}
	preset := personaPreamble + "\n\n---\n\n" + doc
	description := truncateRunes(card.StringField(fields, "description"), domain.MaxDescriptionRunes)
	if description == "" {
		description = cardDescriptionFallback
	}
	room, err := a.store.CreateRoom(domain.Room{
		Name:        name,
		Description: description,
		Preset:      preset,
		Owner:       owner,
		IsOpen:      true,
		Messages:    freshTranscript(preset),
	})
	if err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			return domain.Room{}, err
		}
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// DeleteRoom removes a room. Owners always may; others only on open rooms
// when the open-delete policy is enabled.
func (a *App) DeleteRoom(caller, name, quotedMessageID string) (domain.Room, error) {
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Room{}, err
	}
	if err := a.guard(room, caller, false, false); err != nil {
		return domain.Room{}, err
	}
	if !room.IsOwner(caller) && !(room.IsOpen && a.allowOpenRoomDelete) {
		return domain.Room{}, ErrPermissionDenied
	}
	if err := a.store.DeleteRoom(room.ID); err != nil {
		return domain.Room{}, fmt.Errorf("delete room: %w", err)
	}
	return room, nil
}

// SetVisibility flips a room between public and owner-only. It reports
// whether anything changed.
func (a *App) SetVisibility(caller, name, quotedMessageID string, open bool) (domain.Room, bool, error) {
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Room{}, false, err
	}
	if err := a.guard(room, caller, true, false); err != nil {
		return domain.Room{}, false, err
	}
	if room.IsOpen == open {
		return room, false, nil
	}
	if err := a.store.UpdateRoom(room.ID, store.RoomUpdate{IsOpen: &open}); err != nil {
		return domain.Room{}, false, fmt.Errorf("update room: %w", err)
	}
	room.IsOpen = open
	return room, true, nil
}

// ListRooms returns all rooms, public first, then by name.
func (a *App) ListRooms() ([]domain.Room, error) {
	rooms, err := a.store.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	slices.SortFunc(rooms, func(x, y domain.Room) int {
		if x.IsOpen != y.IsOpen {
			if x.IsOpen {
				return -1
			}
			return 1
		}
		return strings.Compare(x.Name, y.Name)
	})
	return rooms, nil
}

// GetRoom resolves a room for read-only operations, applying the shared
// checks.
func (a *App) GetRoom(caller, name, quotedMessageID string) (domain.Room, error) {
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Room{}, err
	}
	if err := a.guard(room, caller, false, false); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

// UpdatePreset rewrites the room preset. The only transcript mutation is the
// system message content; user and assistant entries are untouched.
func (a *App) UpdatePreset(caller, name, quotedMessageID, preset string) (domain.Room, error) {
	if strings.TrimSpace(preset) == "" {
		return domain.Room{}, validationf("preset is required")
	}
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Room{}, err
	}
	if err := a.guard(room, caller, true, false); err != nil {
		return domain.Room{}, err
	}
	messages := rewriteSystem(room.Messages, preset)
	if err := a.store.UpdateRoom(room.ID, store.RoomUpdate{Preset: &preset, Messages: &messages}); err != nil {
		return domain.Room{}, fmt.Errorf("update room: %w", err)
	}
	room.Preset = preset
	room.Messages = messages
	return room, nil
}

// UpdateDescription sets the short room description.
func (a *App) UpdateDescription(caller, name, quotedMessageID, description string) (domain.Room, error) {
	if strings.TrimSpace(description) == "" {
		return domain.Room{}, validationf("description is required")
	}
	if utf8.RuneCountInString(description) > domain.MaxDescriptionRunes {
		return domain.Room{}, validationf("description too long: at most %d characters", domain.MaxDescriptionRunes)
	}
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Room{}, err
	}
	if err := a.guard(room, caller, true, false); err != nil {
		return domain.Room{}, err
	}
	if err := a.store.UpdateRoom(room.ID, store.RoomUpdate{Description: &description}); err != nil {
		return domain.Room{}, fmt.Errorf("update room: %w", err)
	}
	room.Description = description
	return room, nil
}

// ClearHistory resets the transcript to the single system message built from
// the room's current preset.
func (a *App) ClearHistory(caller, name, quotedMessageID string) (domain.Room, error) {
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Room{}, err
	}
	if err := a.guard(room, caller, false, false); err != nil {
		return domain.Room{}, err
	}
	messages := freshTranscript(room.Preset)
	if err := a.store.UpdateRoom(room.ID, store.RoomUpdate{Messages: &messages}); err != nil {
		return domain.Room{}, fmt.Errorf("update room: %w", err)
	}
	room.Messages = messages
	return room, nil
}

// ClearAllHistories clears every room the caller may use, skipping busy or
// forbidden rooms, and reports the tally. Per-room store failures count as
// skips rather than aborting the batch.
func (a *App) ClearAllHistories(caller string, confirm bool) (cleared, skipped int, err error) {
	if !confirm {
		return 0, 0, validationf("confirmation required for bulk history clear")
	}
	rooms, err := a.store.ListRooms()
	if err != nil {
		return 0, 0, fmt.Errorf("list rooms: %w", err)
	}
	for _, room := range rooms {
		if !room.CanUse(caller) || room.IsWaiting {
			skipped++
			continue
		}
		messages := freshTranscript(room.Preset)
		if err := a.store.UpdateRoom(room.ID, store.RoomUpdate{Messages: &messages}); err != nil {
			skipped++
			continue
		}
		cleared++
	}
	return cleared, skipped, nil
}

// StopReply force-clears a stuck or unwanted in-flight reply. The completion
// call itself is not cancelled; its late result is discarded by the
// generation check in the engine.
func (a *App) StopReply(ctx context.Context, caller, name, quotedMessageID string) (domain.Room, error) {
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Room{}, err
	}
	if err := a.guard(room, caller, false, true); err != nil {
		return domain.Room{}, err
	}
	if !room.IsWaiting {
		return domain.Room{}, ErrNotWaiting
	}
	if _, err := a.locker.ForceRelease(ctx, room.ID); err != nil {
		return domain.Room{}, fmt.Errorf("force release: %w", err)
	}
	waiting := false
	if err := a.store.UpdateRoom(room.ID, store.RoomUpdate{IsWaiting: &waiting}); err != nil {
		return domain.Room{}, fmt.Errorf("update room: %w", err)
	}
	room.IsWaiting = false
	return room, nil
}

// EditMessage replaces the content of one addressable transcript entry.
func (a *App) EditMessage(caller, name, quotedMessageID string, index int, content string) (domain.Room, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Room{}, validationf("content is required")
	}
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Room{}, err
	}
	if err := a.guard(room, caller, true, false); err != nil {
		return domain.Room{}, err
	}
	if index < 1 || index >= len(room.Messages) {
		return domain.Room{}, errIndexOutOfRange(len(room.Messages) - 1)
	}
	messages := slices.Clone(room.Messages)
	messages[index].Content = content
	if err := a.store.UpdateRoom(room.ID, store.RoomUpdate{Messages: &messages}); err != nil {
		return domain.Room{}, fmt.Errorf("update room: %w", err)
	}
	room.Messages = messages
	return room, nil
}

// DeleteMessages removes the entries named by a flexible index spec and
// reports the removed indices in ascending order. Removal happens in
// descending order internally so earlier deletions cannot shift later ones.
func (a *App) DeleteMessages(caller, name, quotedMessageID, spec string) (domain.Room, []int, error) {
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Room{}, nil, err
	}
	if err := a.guard(room, caller, true, false); err != nil {
		return domain.Room{}, nil, err
	}
	maxIndex := len(room.Messages) - 1
	descending := parseIndexSpec(spec, maxIndex)
	if len(descending) == 0 {
		return domain.Room{}, nil, validationf("no valid indices: expected numbers between 1 and %d", maxIndex)
	}
	messages := removeIndices(room.Messages, descending)
	if err := a.store.UpdateRoom(room.ID, store.RoomUpdate{Messages: &messages}); err != nil {
		return domain.Room{}, nil, fmt.Errorf("update room: %w", err)
	}
	room.Messages = messages
	removed := slices.Clone(descending)
	slices.Reverse(removed)
	return room, removed, nil
}

// GetMessage returns one addressable transcript entry.
func (a *App) GetMessage(caller, name, quotedMessageID string, index int) (domain.Message, error) {
	room, err := a.ResolveRoom(name, quotedMessageID)
	if err != nil {
		return domain.Message{}, err
	}
	if err := a.guard(room, caller, false, false); err != nil {
		return domain.Message{}, err
	}
	if index < 1 || index >= len(room.Messages) {
		return domain.Message{}, errIndexOutOfRange(len(room.Messages) - 1)
	}
	return room.Messages[index], nil
}

func errIndexOutOfRange(maxIndex int) *ValidationError {
	return validationf("index out of range: valid indices are 1 to %d", maxIndex)
}

func validateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return validationf("room name is required")
	}
	if utf8.RuneCountInString(name) > domain.MaxNameRunes {
		return validationf("room name too long: at most %d characters", domain.MaxNameRunes)
	}
	return nil
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
