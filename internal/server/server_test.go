package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"roomchat/internal/app"
	"roomchat/internal/roomlock"
	"roomchat/pkg/domain"
	"roomchat/pkg/store"
)

type stubCompleter struct {
	reply string
}

func (s *stubCompleter) Complete(_ context.Context, _ []domain.Message) (string, error) {
	return s.reply, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	appCore, err := app.New(app.Config{
		Store:     store.NewMemoryStore(),
		Completer: &stubCompleter{reply: "meow"},
		Locker:    roomlock.NewMemoryLocker(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: appCore}).Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, caller string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCallerHeaderRequired(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/rooms", "", map[string]string{"name": "cat", "preset": "p"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRoomLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rooms", "u1", map[string]string{"name": "cat", "preset": "You are a cat."})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decode[map[string]any](t, resp)
	if created["name"] != "cat" || created["isOpen"] != true {
		t.Fatalf("created room = %v", created)
	}

	// Duplicate name conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/rooms", "u2", map[string]string{"name": "cat", "preset": "p"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}

	// Over-length name is rejected with the limit in the message.
	resp = doJSON(t, http.MethodPost, srv.URL+"/rooms", "u1", map[string]string{"name": "abcdefghijk", "preset": "p"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("long name status = %d, want 422", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/rooms", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	listing := decode[map[string][]map[string]any](t, resp)
	if len(listing["rooms"]) != 1 {
		t.Fatalf("rooms = %v", listing["rooms"])
	}

	// Strangers cannot delete; owners can.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/rooms/cat", "u2", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger delete status = %d, want 403", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, srv.URL+"/rooms/cat", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, srv.URL+"/rooms/cat", "u1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing room status = %d, want 404", resp.StatusCode)
	}
}

func TestChatAndQuoteFlow(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/rooms", "u1", map[string]string{"name": "cat", "preset": "You are a cat."})

	resp := doJSON(t, http.MethodPost, srv.URL+"/chat", "u1", map[string]string{"room": "cat", "text": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	turn := decode[domain.TurnResult](t, resp)
	if turn.Reply != "meow" || turn.MessageID == "" {
		t.Fatalf("turn = %+v", turn)
	}

	// Quote the reply instead of naming the room.
	resp = doJSON(t, http.MethodPost, srv.URL+"/chat", "u1",
		map[string]string{"quotedMessageId": turn.MessageID, "text": "again"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quoted chat status = %d", resp.StatusCode)
	}

	// The old id no longer resolves once superseded.
	resp = doJSON(t, http.MethodPost, srv.URL+"/chat", "u1",
		map[string]string{"quotedMessageId": turn.MessageID, "text": "stale"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stale quote status = %d, want 404", resp.StatusCode)
	}

	// History via the "-" placeholder plus quote.
	second := decode[domain.TurnResult](t, doJSON(t, http.MethodPost, srv.URL+"/chat", "u1",
		map[string]string{"room": "cat", "text": "third"}))
	resp = doJSON(t, http.MethodGet, srv.URL+"/rooms/-/history?quote="+second.MessageID, "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	page := decode[app.HistoryPage](t, resp)
	if page.TotalMessages != 6 {
		t.Fatalf("totalMessages = %d, want 6", page.TotalMessages)
	}
}

func TestMessageEditingEndpoints(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/rooms", "u1", map[string]string{"name": "cat", "preset": "p"})
	doJSON(t, http.MethodPost, srv.URL+"/chat", "u1", map[string]string{"room": "cat", "text": "hi"})

	resp := doJSON(t, http.MethodPut, srv.URL+"/rooms/cat/messages/1", "u1", map[string]string{"content": "edited"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/rooms/cat/messages/1", "u1", nil)
	msg := decode[map[string]any](t, resp)
	if msg["content"] != "edited" {
		t.Fatalf("message = %v", msg)
	}

	// Index 0 is out of range.
	resp = doJSON(t, http.MethodPut, srv.URL+"/rooms/cat/messages/0", "u1", map[string]string{"content": "x"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("index 0 status = %d, want 422", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/rooms/cat/messages", "u1", map[string]string{"indexes": "2 1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete messages status = %d", resp.StatusCode)
	}
	deleted := decode[map[string]any](t, resp)
	removed, _ := deleted["removed"].([]any)
	if len(removed) != 2 {
		t.Fatalf("removed = %v", deleted["removed"])
	}
}

func TestStopWithoutReplyConflicts(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, http.MethodPost, srv.URL+"/rooms", "u1", map[string]string{"name": "cat", "preset": "p"})

	resp := doJSON(t, http.MethodPost, srv.URL+"/rooms/cat/stop", "u1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("idle stop status = %d, want 409", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
