package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type RoomModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex;not null"`
	Description   string
	Preset        string `gorm:"type:text;not null"`
	Owner         string `gorm:"not null;index"`
	IsOpen        bool   `gorm:"not null"`
	IsWaiting     bool   `gorm:"not null"`
	Messages      datatypes.JSON `gorm:"type:jsonb"`
	LastMessageID string         `gorm:"index"`
	CreatedAt     time.Time      `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null"`
}
