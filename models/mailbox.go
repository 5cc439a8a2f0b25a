package models

import (
	"time"

	"gorm.io/gorm"
)

// Mailbox holds the athlete's sending and receiving credentials.
type Mailbox struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex" json:"user_id"`

	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`          // Encrypted in application layer
	Encryption   string `json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Gmail OAuth =========
	OAuthToken        string     `gorm:"column:oauth_token" json:"-"`         // Encrypted
	OAuthRefreshToken string     `gorm:"column:oauth_refresh_token" json:"-"` // Encrypted
	OAuthExpiry       *time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= Status =========
	LastSyncedAt *time.Time `json:"last_synced_at"`
	LastError    *string    `json:"last_error"`
}

// HasSMTP reports whether the mailbox carries its own SMTP account.
func (m *Mailbox) HasSMTP() bool {
	return m.SMTPHost != "" && m.SMTPPort > 0
}

// HasIMAP reports whether replies can be polled for this mailbox.
func (m *Mailbox) HasIMAP() bool {
	return m.IMAPHost != ""
}

// HasGmail reports whether a Gmail OAuth grant is stored.
func (m *Mailbox) HasGmail() bool {
	return m.OAuthToken != "" || m.OAuthRefreshToken != ""
}

// Sanitize clears secrets before the mailbox is serialized.
func (m *Mailbox) Sanitize() {
	m.SMTPPassword = ""
	m.IMAPPassword = ""
	m.OAuthToken = ""
	m.OAuthRefreshToken = ""
}
