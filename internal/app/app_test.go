package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"roomchat/internal/roomlock"
	"roomchat/pkg/domain"
	"roomchat/pkg/store"
)

type fakeCompleter struct {
	reply string
	err   error
	// gate, when set, blocks Complete until released. Lets tests stop a
	// turn while its completion call is in flight.
	gate chan struct{}
	// got records the transcript of the last call.
	got []domain.Message
}

func (f *fakeCompleter) Complete(_ context.Context, messages []domain.Message) (string, error) {
	f.got = messages
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestApp(t *testing.T, completer *fakeCompleter) *App {
	t.Helper()
	a, err := New(Config{
		Store:     store.NewMemoryStore(),
		Completer: completer,
		Locker:    roomlock.NewMemoryLocker(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func mustCreateRoom(t *testing.T, a *App, owner, name string) domain.Room {
	t.Helper()
	room, err := a.CreateRoom(owner, name, "You are a helpful cat.")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func TestCreateRoomValidation(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{reply: "ok"})

	var validation *ValidationError
	if _, err := a.CreateRoom("u1", "", "preset"); !errors.As(err, &validation) {
		t.Fatalf("empty name: got %v, want validation error", err)
	}
	if _, err := a.CreateRoom("u1", "这个名字实在是太长了吧", "preset"); !errors.As(err, &validation) {
		t.Fatalf("long name: got %v, want validation error", err)
	}
	if _, err := a.CreateRoom("u1", "cat", ""); !errors.As(err, &validation) {
		t.Fatalf("empty preset: got %v, want validation error", err)
	}

	room := mustCreateRoom(t, a, "u1", "cat")
	if !room.IsOpen {
		t.Fatalf("new room should be open")
	}
	if len(room.Messages) != 1 || room.Messages[0].Role != domain.RoleSystem {
		t.Fatalf("new room transcript = %+v, want single system message", room.Messages)
	}
	if _, err := a.CreateRoom("u2", "cat", "other"); !errors.Is(err, store.ErrNameTaken) {
		t.Fatalf("duplicate name: got %v, want ErrNameTaken", err)
	}
}

func TestRunTurnSuccess(t *testing.T) {
	completer := &fakeCompleter{reply: "meow</think>hello there"}
	a := newTestApp(t, completer)
	a.redactEnabled = true
	mustCreateRoom(t, a, "u1", "cat")

	result, err := a.RunTurn(context.Background(), "u1", "cat", "", "hi")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.Reply != "hello there" {
		t.Fatalf("reply = %q, want %q", result.Reply, "hello there")
	}
	if result.MessageID == "" {
		t.Fatalf("expected a minted message id")
	}
	if result.TranscriptLen != 3 {
		t.Fatalf("transcript len = %d, want 3", result.TranscriptLen)
	}
	if len(completer.got) != 2 {
		t.Fatalf("completer saw %d messages, want 2", len(completer.got))
	}

	room, err := a.GetRoom("u1", "cat", "")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.IsWaiting {
		t.Fatalf("room still waiting after finished turn")
	}
	if room.LastMessageID != result.MessageID {
		t.Fatalf("last message id = %q, want %q", room.LastMessageID, result.MessageID)
	}
	if room.Messages[2].Role != domain.RoleAssistant || room.Messages[2].Content != "hello there" {
		t.Fatalf("transcript tail = %+v", room.Messages[2])
	}
}

func TestRunTurnQuoteResolution(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{reply: "first"})
	mustCreateRoom(t, a, "u1", "cat")

	first, err := a.RunTurn(context.Background(), "u1", "cat", "", "hi")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}

	// Quoting the latest bot message resolves the room without a name.
	second, err := a.RunTurn(context.Background(), "u1", "", first.MessageID, "again")
	if err != nil {
		t.Fatalf("quoted turn: %v", err)
	}

	// The superseded id no longer resolves.
	if _, err := a.RunTurn(context.Background(), "u1", "", first.MessageID, "stale"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("stale quote: got %v, want ErrRoomNotFound", err)
	}
	if _, err := a.RunTurn(context.Background(), "u1", "", second.MessageID, "fresh"); err != nil {
		t.Fatalf("fresh quote: %v", err)
	}
}

func TestRunTurnFailureKeepsUserMessage(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("upstream exploded")}
	a := newTestApp(t, completer)
	mustCreateRoom(t, a, "u1", "cat")

	_, err := a.RunTurn(context.Background(), "u1", "cat", "", "hi")
	if err == nil || !strings.Contains(err.Error(), "upstream exploded") {
		t.Fatalf("got %v, want upstream error", err)
	}

	room, err := a.GetRoom("u1", "cat", "")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.IsWaiting {
		t.Fatalf("waiting flag not cleared after failure")
	}
	if len(room.Messages) != 2 || room.Messages[1].Content != "hi" {
		t.Fatalf("user message not retained: %+v", room.Messages)
	}

	// The room accepts the next turn.
	completer.err = nil
	completer.reply = "recovered"
	if _, err := a.RunTurn(context.Background(), "u1", "cat", "", "retry"); err != nil {
		t.Fatalf("turn after failure: %v", err)
	}
}

func TestRunTurnPermissions(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{reply: "ok"})
	room := mustCreateRoom(t, a, "u1", "cat")

	if _, _, err := a.SetVisibility("u1", "cat", "", false); err != nil {
		t.Fatalf("close room: %v", err)
	}
	if _, err := a.RunTurn(context.Background(), "u2", "cat", "", "hi"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("closed room stranger: got %v, want ErrPermissionDenied", err)
	}
	if _, err := a.RunTurn(context.Background(), "u1", "cat", "", "hi"); err != nil {
		t.Fatalf("closed room owner: %v", err)
	}
	_ = room
}

func TestStopDiscardsInFlightTurn(t *testing.T) {
	completer := &fakeCompleter{reply: "late reply", gate: make(chan struct{})}
	a := newTestApp(t, completer)
	mustCreateRoom(t, a, "u1", "cat")

	turnDone := make(chan error, 1)
	go func() {
		_, err := a.RunTurn(context.Background(), "u1", "cat", "", "hi")
		turnDone <- err
	}()

	// Wait until the turn is persisted as waiting.
	for {
		room, err := a.GetRoom("u1", "cat", "")
		if errors.Is(err, ErrRoomBusy) {
			break
		}
		if err != nil {
			t.Fatalf("get room: %v", err)
		}
		if room.IsWaiting {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := a.StopReply(context.Background(), "u1", "cat", ""); err != nil {
		t.Fatalf("stop reply: %v", err)
	}
	close(completer.gate)

	if err := <-turnDone; !errors.Is(err, ErrTurnSuperseded) {
		t.Fatalf("stopped turn: got %v, want ErrTurnSuperseded", err)
	}

	room, err := a.GetRoom("u1", "cat", "")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.IsWaiting {
		t.Fatalf("room waiting after stop")
	}
	if len(room.Messages) != 2 {
		t.Fatalf("late reply was committed: %+v", room.Messages)
	}
	if _, err := a.StopReply(context.Background(), "u1", "cat", ""); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("stop on idle room: got %v, want ErrNotWaiting", err)
	}
}

func TestRegenerate(t *testing.T) {
	completer := &fakeCompleter{reply: "v1"}
	a := newTestApp(t, completer)
	mustCreateRoom(t, a, "u1", "cat")

	// Nothing to regenerate on a fresh room.
	if _, err := a.Regenerate(context.Background(), "u1", "cat", ""); !errors.Is(err, ErrNothingToRegenerate) {
		t.Fatalf("fresh room: got %v, want ErrNothingToRegenerate", err)
	}

	if _, err := a.RunTurn(context.Background(), "u1", "cat", "", "hi"); err != nil {
		t.Fatalf("turn: %v", err)
	}

	completer.reply = "v2"
	result, err := a.Regenerate(context.Background(), "u1", "cat", "")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if !result.Regenerated {
		t.Fatalf("result not marked regenerated")
	}
	if len(completer.got) != 2 {
		t.Fatalf("regenerate resent %d messages, want 2", len(completer.got))
	}

	room, _ := a.GetRoom("u1", "cat", "")
	if len(room.Messages) != 3 || room.Messages[2].Content != "v2" {
		t.Fatalf("transcript after regenerate = %+v", room.Messages)
	}

	// Trailing user message (after deleting the reply) cannot regenerate.
	if _, _, err := a.DeleteMessages("u1", "cat", "", "2"); err != nil {
		t.Fatalf("delete reply: %v", err)
	}
	if _, err := a.Regenerate(context.Background(), "u1", "cat", ""); !errors.Is(err, ErrNothingToRegenerate) {
		t.Fatalf("trailing user message: got %v, want ErrNothingToRegenerate", err)
	}
}

func TestEditAndDeleteMessages(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{reply: "ok"})
	mustCreateRoom(t, a, "u1", "cat")
	for range 2 {
		if _, err := a.RunTurn(context.Background(), "u1", "cat", "", "hi"); err != nil {
			t.Fatalf("turn: %v", err)
		}
	}

	// Index 0 is never addressable.
	var validation *ValidationError
	if _, err := a.EditMessage("u1", "cat", "", 0, "hack"); !errors.As(err, &validation) {
		t.Fatalf("edit index 0: got %v, want validation error", err)
	}
	if !strings.Contains(validation.Msg, "1 to 4") {
		t.Fatalf("range not reported: %q", validation.Msg)
	}
	if _, err := a.EditMessage("u1", "cat", "", 5, "hack"); !errors.As(err, &validation) {
		t.Fatalf("edit past end: got %v, want validation error", err)
	}

	room, err := a.EditMessage("u1", "cat", "", 2, "edited")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if room.Messages[2].Content != "edited" {
		t.Fatalf("edit not applied: %+v", room.Messages[2])
	}

	// Non-owner cannot edit even in an open room.
	if _, err := a.EditMessage("u2", "cat", "", 2, "nope"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("stranger edit: got %v, want ErrPermissionDenied", err)
	}

	_, removed, err := a.DeleteMessages("u1", "cat", "", "1 3")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(removed) != 2 || removed[0] != 1 || removed[1] != 3 {
		t.Fatalf("removed = %v, want ascending [1 3]", removed)
	}
	if _, _, err := a.DeleteMessages("u1", "cat", "", "99"); !errors.As(err, &validation) {
		t.Fatalf("no valid indices: got %v, want validation error", err)
	}
}

func TestUpdatePresetRewritesSystemOnly(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{reply: "ok"})
	mustCreateRoom(t, a, "u1", "cat")
	if _, err := a.RunTurn(context.Background(), "u1", "cat", "", "hi"); err != nil {
		t.Fatalf("turn: %v", err)
	}

	room, err := a.UpdatePreset("u1", "cat", "", "You are a stern owl.")
	if err != nil {
		t.Fatalf("update preset: %v", err)
	}
	if room.Messages[0].Content != "You are a stern owl." {
		t.Fatalf("system message = %q", room.Messages[0].Content)
	}
	if len(room.Messages) != 3 {
		t.Fatalf("history truncated by preset update: %d messages", len(room.Messages))
	}
}

func TestClearAllHistories(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{reply: "ok"})
	mustCreateRoom(t, a, "u1", "mine")
	mustCreateRoom(t, a, "u2", "theirs")
	if _, _, err := a.SetVisibility("u2", "theirs", "", false); err != nil {
		t.Fatalf("close room: %v", err)
	}
	if _, err := a.RunTurn(context.Background(), "u1", "mine", "", "hi"); err != nil {
		t.Fatalf("turn: %v", err)
	}

	if _, _, err := a.ClearAllHistories("u1", false); err == nil {
		t.Fatalf("expected confirmation requirement")
	}
	cleared, skipped, err := a.ClearAllHistories("u1", true)
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if cleared != 1 || skipped != 1 {
		t.Fatalf("cleared=%d skipped=%d, want 1/1", cleared, skipped)
	}
	room, _ := a.GetRoom("u1", "mine", "")
	if len(room.Messages) != 1 {
		t.Fatalf("history not cleared: %d messages", len(room.Messages))
	}
}

func TestHistoryPagination(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{reply: strings.Repeat("long reply ", 20)})
	mustCreateRoom(t, a, "u1", "cat")

	var validation *ValidationError
	if _, err := a.History("u1", "cat", "", 1); !errors.As(err, &validation) {
		t.Fatalf("empty history: got %v, want validation error", err)
	}

	for range 9 {
		if _, err := a.RunTurn(context.Background(), "u1", "cat", "", "hi"); err != nil {
			t.Fatalf("turn: %v", err)
		}
	}

	page, err := a.History("u1", "cat", "", 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.TotalMessages != 18 || page.TotalPages != 2 {
		t.Fatalf("totals = %d messages / %d pages, want 18/2", page.TotalMessages, page.TotalPages)
	}
	if len(page.Entries) != 15 || page.Entries[0].Index != 1 {
		t.Fatalf("page 1 = %d entries starting at %d", len(page.Entries), page.Entries[0].Index)
	}

	page2, err := a.History("u1", "cat", "", 2)
	if err != nil {
		t.Fatalf("history page 2: %v", err)
	}
	if len(page2.Entries) != 3 || page2.Entries[0].Index != 16 {
		t.Fatalf("page 2 = %d entries starting at %d", len(page2.Entries), page2.Entries[0].Index)
	}
	if _, err := a.History("u1", "cat", "", 3); !errors.As(err, &validation) {
		t.Fatalf("page out of range: got %v, want validation error", err)
	}

	summary, err := a.HistorySummary("u1", "cat", "", 1)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	for _, entry := range summary.Entries {
		if entry.Role == domain.RoleAssistant && len([]rune(entry.Content)) > summaryContentRunes+1 {
			t.Fatalf("summary entry not truncated: %d runes", len([]rune(entry.Content)))
		}
	}
}

func TestDeleteRoomPolicy(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{reply: "ok"})
	mustCreateRoom(t, a, "u1", "cat")

	if _, err := a.DeleteRoom("u2", "cat", ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("stranger delete: got %v, want ErrPermissionDenied", err)
	}

	a.allowOpenRoomDelete = true
	if _, err := a.DeleteRoom("u2", "cat", ""); err != nil {
		t.Fatalf("open delete with policy: %v", err)
	}
	if _, err := a.GetRoom("u1", "cat", ""); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("room survived delete: %v", err)
	}
}

func TestListRoomsOrder(t *testing.T) {
	a := newTestApp(t, &fakeCompleter{reply: "ok"})
	mustCreateRoom(t, a, "u1", "zeta")
	mustCreateRoom(t, a, "u1", "alpha")
	mustCreateRoom(t, a, "u1", "mid")
	if _, _, err := a.SetVisibility("u1", "mid", "", false); err != nil {
		t.Fatalf("close room: %v", err)
	}

	rooms, err := a.ListRooms()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, room := range rooms {
		names = append(names, room.Name)
	}
	want := []string{"alpha", "zeta", "mid"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}
