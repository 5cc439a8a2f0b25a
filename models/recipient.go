package models

import (
	"time"

	"gorm.io/gorm"
)

// Recipient is a directory entry for a coach or program.
type Recipient struct {
	gorm.Model
	Name         string     `gorm:"not null" json:"name"`
	Organization string     `gorm:"index" json:"organization"` // school / program
	Email        string     `gorm:"not null;uniqueIndex" json:"email"`
	Title        string     `json:"title"` // head coach, recruiting coordinator, ...
	Sport        string     `gorm:"index" json:"sport"`
	Division     string     `gorm:"index" json:"division"`
	State        string     `json:"state"`
	Tags         StringList `gorm:"type:text" json:"tags"`

	LastContactedAt *time.Time `json:"last_contacted_at"`
}
