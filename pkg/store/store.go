package store

import (
	"errors"

	"roomchat/pkg/domain"
)

// ErrNameTaken is returned by CreateRoom when the room name already exists.
var ErrNameTaken = errors.New("room name already taken")

// RoomUpdate is a partial update; nil fields are left untouched.
type RoomUpdate struct {
	Preset        *string
	Description   *string
	IsOpen        *bool
	IsWaiting     *bool
	Messages      *[]domain.Message
	LastMessageID *string
}

// Store defines persistence operations for rooms.
// Room name uniqueness is enforced on create; IDs are store-assigned.
type Store interface {
	CreateRoom(room domain.Room) (domain.Room, error)
	GetRoomByName(name string) (domain.Room, bool, error)
	GetRoomByLastMessageID(id string) (domain.Room, bool, error)
	ListRooms() ([]domain.Room, error)
	UpdateRoom(id string, update RoomUpdate) error
	DeleteRoom(id string) error
}
