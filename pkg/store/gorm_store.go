package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"roomchat/internal/util"
	"roomchat/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&RoomModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateRoom inserts a room, assigning an ID when absent.
// Name uniqueness is enforced here and by the unique index.
func (s *GormStore) CreateRoom(room domain.Room) (domain.Room, error) {
	var count int64
	if err := s.db.Model(&RoomModel{}).Where("name = ?", room.Name).Count(&count).Error; err != nil {
		return domain.Room{}, err
	}
	if count > 0 {
		return domain.Room{}, ErrNameTaken
	}
	if room.ID == "" {
		room.ID = util.NewID()
	}
	now := time.Now().UTC()
	room.CreatedAt = now
	room.UpdatedAt = now
	model, err := roomToModel(room)
	if err != nil {
		return domain.Room{}, err
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

// GetRoomByName looks up a room by its unique name.
func (s *GormStore) GetRoomByName(name string) (domain.Room, bool, error) {
	return s.getRoom("name = ?", name)
}

// GetRoomByLastMessageID resolves the room whose most recently delivered
// reply carried the given transport id. Only the latest id per room matches.
func (s *GormStore) GetRoomByLastMessageID(id string) (domain.Room, bool, error) {
	if id == "" {
		return domain.Room{}, false, nil
	}
	return s.getRoom("last_message_id = ?", id)
}

func (s *GormStore) getRoom(query string, arg any) (domain.Room, bool, error) {
	var model RoomModel
	if err := s.db.First(&model, query, arg).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	room, err := roomFromModel(model)
	if err != nil {
		return domain.Room{}, false, err
	}
	return room, true, nil
}

// ListRooms returns all rooms ordered by created_at.
func (s *GormStore) ListRooms() ([]domain.Room, error) {
	var models []RoomModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Room, 0, len(models))
	for _, m := range models {
		room, err := roomFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, room)
	}
	return res, nil
}

// UpdateRoom applies a partial update to the room.
func (s *GormStore) UpdateRoom(id string, update RoomUpdate) error {
	fields := map[string]any{"updated_at": time.Now().UTC()}
	if update.Preset != nil {
		fields["preset"] = *update.Preset
	}
	if update.Description != nil {
		fields["description"] = *update.Description
	}
	if update.IsOpen != nil {
		fields["is_open"] = *update.IsOpen
	}
	if update.IsWaiting != nil {
		fields["is_waiting"] = *update.IsWaiting
	}
	if update.Messages != nil {
		data, err := json.Marshal(*update.Messages)
		if err != nil {
			return fmt.Errorf("encode messages: %w", err)
		}
		fields["messages"] = datatypes.JSON(data)
	}
	if update.LastMessageID != nil {
		fields["last_message_id"] = *update.LastMessageID
	}
	return s.db.Model(&RoomModel{}).Where("id = ?", id).Updates(fields).Error
}

// DeleteRoom removes the room record.
func (s *GormStore) DeleteRoom(id string) error {
	return s.db.Delete(&RoomModel{}, "id = ?", id).Error
}

func roomToModel(r domain.Room) (RoomModel, error) {
	messages, err := json.Marshal(r.Messages)
	if err != nil {
		return RoomModel{}, fmt.Errorf("encode messages: %w", err)
	}
	return RoomModel{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Preset:        r.Preset,
		Owner:         r.Owner,
		IsOpen:        r.IsOpen,
		IsWaiting:     r.IsWaiting,
		Messages:      datatypes.JSON(messages),
		LastMessageID: r.LastMessageID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func roomFromModel(m RoomModel) (domain.Room, error) {
	var messages []domain.Message
	if len(m.Messages) > 0 {
		if err := json.Unmarshal(m.Messages, &messages); err != nil {
			return domain.Room{}, fmt.Errorf("decode messages: %w", err)
		}
	}
	return domain.Room{
		ID:            m.ID,
		Name:          m.Name,
		Description:   m.Description,
		Preset:        m.Preset,
		Owner:         m.Owner,
		IsOpen:        m.IsOpen,
		IsWaiting:     m.IsWaiting,
		Messages:      messages,
		LastMessageID: m.LastMessageID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}
