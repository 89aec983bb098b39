package models

import "time"

// User is the minimal account record needed for login and upload
// attribution. Full profile management lives in the admin service.
type User struct {
	ID           string `gorm:"primaryKey;size:64"`
	Email        string `gorm:"uniqueIndex;not null;size:255"`
	PasswordHash string `gorm:"not null;size:255"`
	Role         string `gorm:"size:32;default:user"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
