// Package server exposes the room chat API over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"roomchat/internal/app"
	"roomchat/internal/util"
	"roomchat/pkg/ai"
	"roomchat/pkg/card"
	"roomchat/pkg/domain"
	"roomchat/pkg/store"
)

const (
	callerHeader = "X-Owner-ID"
	maxBodyBytes = 1 << 20
	maxCardBytes = 8 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
}

// Server exposes HTTP endpoints for the room chat service.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app: cfg.App,
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with request id and logging
// middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("roomchat", s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("POST /rooms", s.withCaller(s.handleCreateRoom))
	s.mux.Handle("POST /rooms/card", s.withCaller(s.handleCreateRoomFromCard))
	s.mux.HandleFunc("GET /rooms", s.handleListRooms)
	s.mux.Handle("POST /rooms/clear-all", s.withCaller(s.handleClearAll))
	s.mux.Handle("POST /chat", s.withCaller(s.handleChat))

	s.mux.Handle("DELETE /rooms/{name}", s.withCaller(s.handleDeleteRoom))
	s.mux.Handle("POST /rooms/{name}/open", s.withCaller(s.handleSetOpen))
	s.mux.Handle("GET /rooms/{name}/preset", s.withCaller(s.handleGetPreset))
	s.mux.Handle("PUT /rooms/{name}/preset", s.withCaller(s.handleUpdatePreset))
	s.mux.Handle("PUT /rooms/{name}/description", s.withCaller(s.handleUpdateDescription))
	s.mux.Handle("POST /rooms/{name}/clear", s.withCaller(s.handleClearHistory))
	s.mux.Handle("POST /rooms/{name}/stop", s.withCaller(s.handleStopReply))
	s.mux.Handle("POST /rooms/{name}/regenerate", s.withCaller(s.handleRegenerate))
	s.mux.Handle("GET /rooms/{name}/messages/{index}", s.withCaller(s.handleGetMessage))
	s.mux.Handle("PUT /rooms/{name}/messages/{index}", s.withCaller(s.handleEditMessage))
	s.mux.Handle("DELETE /rooms/{name}/messages", s.withCaller(s.handleDeleteMessages))
	s.mux.Handle("GET /rooms/{name}/history", s.withCaller(s.handleHistory))
	s.mux.Handle("GET /rooms/{name}/history/summary", s.withCaller(s.handleHistorySummary))
	s.mux.Handle("POST /rooms/{name}/history/export", s.withCaller(s.handleExportHistory))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callerHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withCaller(next callerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimSpace(r.Header.Get(callerHeader))
		if caller == "" {
			writeError(w, http.StatusUnauthorized, "caller identity required: set "+callerHeader)
			return
		}
		next(w, r, caller)
	})
}

// targetName extracts the room name path segment. A "-" placeholder leaves
// the name empty so quote resolution can take over.
func targetName(r *http.Request) string {
	name := r.PathValue("name")
	if name == "-" {
		return ""
	}
	return name
}

func quotedMessageID(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("quote"))
}

type roomView struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Owner        string `json:"owner"`
	IsOpen       bool   `json:"isOpen"`
	IsWaiting    bool   `json:"isWaiting"`
	MessageCount int    `json:"messageCount"`
}

func toRoomView(room domain.Room) roomView {
	return roomView{
		Name:         room.Name,
		Description:  room.Description,
		Owner:        room.Owner,
		IsOpen:       room.IsOpen,
		IsWaiting:    room.IsWaiting,
		MessageCount: len(room.Messages) - 1,
	}
}

type createRoomRequest struct {
	Name   string `json:"name"`
	Preset string `json:"preset"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, caller string) {
	var req createRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := s.app.CreateRoom(caller, req.Name, req.Preset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoomView(room))
}

func (s *Server) handleCreateRoomFromCard(w http.ResponseWriter, r *http.Request, caller string) {
	if err := r.ParseMultipartForm(maxCardBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	name := r.FormValue("name")
	file, _, err := r.FormFile("card")
	if err != nil {
		writeError(w, http.StatusBadRequest, "card file is required")
		return
	}
	defer file.Close()
	image, err := io.ReadAll(io.LimitReader(file, maxCardBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read card file")
		return
	}
	room, err := s.app.CreateRoomFromCard(caller, name, image)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoomView(room))
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	rooms, err := s.app.ListRooms()
	if err != nil {
		writeAppError(w, err)
		return
	}
	views := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		views = append(views, toRoomView(room))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": views})
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request, caller string) {
	room, err := s.app.DeleteRoom(caller, targetName(r), quotedMessageID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": room.Name})
}

func (s *Server) handleSetOpen(w http.ResponseWriter, r *http.Request, caller string) {
	var req struct {
		Open bool `json:"open"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	room, changed, err := s.app.SetVisibility(caller, targetName(r), quotedMessageID(r), req.Open)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": toRoomView(room), "changed": changed})
}

func (s *Server) handleGetPreset(w http.ResponseWriter, r *http.Request, caller string) {
	room, err := s.app.GetRoom(caller, targetName(r), quotedMessageID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"preset": room.Preset})
}

func (s *Server) handleUpdatePreset(w http.ResponseWriter, r *http.Request, caller string) {
	var req struct {
		Preset string `json:"preset"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := s.app.UpdatePreset(caller, targetName(r), quotedMessageID(r), req.Preset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomView(room))
}

func (s *Server) handleUpdateDescription(w http.ResponseWriter, r *http.Request, caller string) {
	var req struct {
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := s.app.UpdateDescription(caller, targetName(r), quotedMessageID(r), req.Description)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomView(room))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request, caller string) {
	room, err := s.app.ClearHistory(caller, targetName(r), quotedMessageID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomView(room))
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request, caller string) {
	confirm := r.URL.Query().Get("confirm") == "true"
	cleared, skipped, err := s.app.ClearAllHistories(caller, confirm)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared, "skipped": skipped})
}

func (s *Server) handleStopReply(w http.ResponseWriter, r *http.Request, caller string) {
	room, err := s.app.StopReply(r.Context(), caller, targetName(r), quotedMessageID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomView(room))
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request, caller string) {
	result, err := s.app.Regenerate(r.Context(), caller, targetName(r), quotedMessageID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func messageIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be a number")
		return 0, false
	}
	return index, true
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request, caller string) {
	index, ok := messageIndex(w, r)
	if !ok {
		return
	}
	msg, err := s.app.GetMessage(caller, targetName(r), quotedMessageID(r), index)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "role": msg.Role, "content": msg.Content})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request, caller string) {
	index, ok := messageIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := s.app.EditMessage(caller, targetName(r), quotedMessageID(r), index, req.Content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomView(room))
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request, caller string) {
	var req struct {
		Indexes string `json:"indexes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	room, removed, err := s.app.DeleteMessages(caller, targetName(r), quotedMessageID(r), req.Indexes)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "room": toRoomView(room)})
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, caller string) {
	page, err := s.app.History(caller, targetName(r), quotedMessageID(r), pageParam(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleHistorySummary(w http.ResponseWriter, r *http.Request, caller string) {
	page, err := s.app.HistorySummary(caller, targetName(r), quotedMessageID(r), pageParam(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleExportHistory(w http.ResponseWriter, r *http.Request, caller string) {
	result, err := s.app.ExportHistory(r.Context(), caller, targetName(r), quotedMessageID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type chatRequest struct {
	Room            string `json:"room"`
	QuotedMessageID string `json:"quotedMessageId"`
	Text            string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, caller string) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.app.RunTurn(r.Context(), caller, req.Room, req.QuotedMessageID, req.Text)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps application and collaborator errors to HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	var validation *app.ValidationError
	switch {
	case errors.Is(err, app.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrRoomBusy),
		errors.Is(err, app.ErrNotWaiting),
		errors.Is(err, app.ErrNothingToRegenerate),
		errors.Is(err, app.ErrTurnSuperseded),
		errors.Is(err, store.ErrNameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrTurnQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &validation),
		errors.Is(err, card.ErrNoTextChunks),
		errors.Is(err, card.ErrNoCharacterChunk),
		errors.Is(err, card.ErrMalformed),
		errors.Is(err, card.ErrNoContent):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ai.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ai.ErrUnauthorized),
		errors.Is(err, ai.ErrRateLimited),
		errors.Is(err, ai.ErrEmptyResponse):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		var statusErr *ai.StatusError
		if errors.As(err, &statusErr) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
