package models

import "time"

// Game represents one board game owned by a user. Every rulebook document
// and every vector record is scoped to exactly one game.
type Game struct {
	ID        string `gorm:"primaryKey;size:64"`
	OwnerID   string `gorm:"index;not null;size:64"`
	Name      string `gorm:"not null;size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
