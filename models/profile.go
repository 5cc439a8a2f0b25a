package models

import "gorm.io/gorm"

// AthleteProfile is the public recruiting profile attached to outreach.
type AthleteProfile struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex" json:"user_id"`

	GraduationYear int    `json:"graduation_year"`
	Sport          string `json:"sport"`
	Position       string `json:"position"`
	School         string `json:"school"`
	City           string `json:"city"`
	State          string `json:"state"`
	GPA            string `json:"gpa"`
	HighlightsURL  string `json:"highlights_url"`
	Bio            string `gorm:"type:text" json:"bio"`

	// Stats maps stat name to value, e.g. "40 yard dash" -> "4.6s".
	Stats StringMap `gorm:"type:text" json:"stats"`
}
