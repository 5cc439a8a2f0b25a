package models

import (
	"time"

	"gorm.io/gorm"
)

// Task is a follow-up reminder the athlete acts on by hand.
type Task struct {
	gorm.Model
	UserID      uint       `gorm:"not null;index" json:"user_id"`
	Title       string     `gorm:"not null" json:"title"`
	DueDate     time.Time  `gorm:"not null;index" json:"due_date"`
	Completed   bool       `gorm:"default:false;index" json:"completed"`
	Skipped     bool       `gorm:"default:false" json:"skipped"`
	CompletedAt *time.Time `json:"completed_at"`

	MessageID   *uint `gorm:"index" json:"message_id"`
	RecipientID *uint `gorm:"index" json:"recipient_id"`

	Metadata StringMap `gorm:"type:text" json:"metadata"`
}
