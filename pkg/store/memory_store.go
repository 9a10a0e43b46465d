package store

import (
	"sync"
	"time"

	"roomchat/internal/util"
	"roomchat/pkg/domain"
)

// MemoryStore keeps rooms in-process for tests and single-node dev runs.
type MemoryStore struct {
	mu     sync.RWMutex
	rooms  map[string]domain.Room // key: room ID
	names  map[string]string      // name -> room ID
	orders []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]domain.Room),
		names: make(map[string]string),
	}
}

// CreateRoom inserts a room, assigning an ID when absent.
func (m *MemoryStore) CreateRoom(room domain.Room) (domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.names[room.Name]; taken {
		return domain.Room{}, ErrNameTaken
	}
	if room.ID == "" {
		room.ID = util.NewID()
	}
	now := time.Now().UTC()
	room.CreatedAt = now
	room.UpdatedAt = now
	room.Messages = cloneMessages(room.Messages)
	m.rooms[room.ID] = room
	m.names[room.Name] = room.ID
	m.orders = append(m.orders, room.ID)
	return room, nil
}

// GetRoomByName looks up a room by name.
func (m *MemoryStore) GetRoomByName(name string) (domain.Room, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[name]
	if !ok {
		return domain.Room{}, false, nil
	}
	room, ok := m.rooms[id]
	if !ok {
		return domain.Room{}, false, nil
	}
	return copyRoom(room), true, nil
}

// GetRoomByLastMessageID resolves the room that delivered the given message id.
func (m *MemoryStore) GetRoomByLastMessageID(id string) (domain.Room, bool, error) {
	if id == "" {
		return domain.Room{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, room := range m.rooms {
		if room.LastMessageID == id {
			return copyRoom(room), true, nil
		}
	}
	return domain.Room{}, false, nil
}

// ListRooms returns rooms in insertion order.
func (m *MemoryStore) ListRooms() ([]domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Room, 0, len(m.orders))
	for _, id := range m.orders {
		if room, ok := m.rooms[id]; ok {
			res = append(res, copyRoom(room))
		}
	}
	return res, nil
}

// UpdateRoom applies a partial update.
func (m *MemoryStore) UpdateRoom(id string, update RoomUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil
	}
	if update.Preset != nil {
		room.Preset = *update.Preset
	}
	if update.Description != nil {
		room.Description = *update.Description
	}
	if update.IsOpen != nil {
		room.IsOpen = *update.IsOpen
	}
	if update.IsWaiting != nil {
		room.IsWaiting = *update.IsWaiting
	}
	if update.Messages != nil {
		room.Messages = cloneMessages(*update.Messages)
	}
	if update.LastMessageID != nil {
		room.LastMessageID = *update.LastMessageID
	}
	room.UpdatedAt = time.Now().UTC()
	m.rooms[id] = room
	return nil
}

// DeleteRoom removes the room.
func (m *MemoryStore) DeleteRoom(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil
	}
	delete(m.rooms, id)
	delete(m.names, room.Name)
	filtered := m.orders[:0]
	for _, item := range m.orders {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.orders = filtered
	return nil
}

func copyRoom(r domain.Room) domain.Room {
	r.Messages = cloneMessages(r.Messages)
	return r
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return nil
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}
