package models

import (
	"gorm.io/gorm"
)

// User is an athlete account. Credentials live with the external auth
// provider; this service only needs identity and token revocation state.
type User struct {
	gorm.Model

	Email    string  `gorm:"uniqueIndex;not null" json:"email"`
	Name     *string `json:"name,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status
	IsActive     bool `gorm:"default:true" json:"is_active"`
	TokenVersion int  `gorm:"default:0" json:"-"`

	// Relations
	Mailbox *Mailbox        `gorm:"foreignKey:UserID" json:"mailbox,omitempty"`
	Profile *AthleteProfile `gorm:"foreignKey:UserID" json:"profile,omitempty"`
}
