package controller

import (
	"errors"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"athletereach/middleware"
	"athletereach/models"
	"athletereach/utils"
)

// UpdateMailboxRequest replaces the mailbox settings. Secrets are only
// overwritten when present; send "" to clear one.
type UpdateMailboxRequest struct {
	FromEmail string `json:"from_email" validate:"required,mailbox"`
	FromName  string `json:"from_name" validate:"max=100"`

	SMTPHost     string  `json:"smtp_host"`
	SMTPPort     int     `json:"smtp_port" validate:"omitempty,min=1,max=65535"`
	SMTPUsername string  `json:"smtp_username"`
	SMTPPassword *string `json:"smtp_password"`
	Encryption   string  `json:"encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`

	IMAPHost       string  `json:"imap_host"`
	IMAPPort       int     `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   string  `json:"imap_username"`
	IMAPPassword   *string `json:"imap_password"`
	IMAPEncryption string  `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	IMAPMailbox    string  `json:"imap_mailbox"`

	OAuthToken        *string    `json:"oauth_token"`
	OAuthRefreshToken *string    `json:"oauth_refresh_token"`
	OAuthExpiry       *time.Time `json:"oauth_expiry"`
}

type MailboxController struct {
	db *gorm.DB
}

func NewMailboxController(db *gorm.DB) *MailboxController {
	return &MailboxController{db: db}
}

func (mc *MailboxController) GetMailbox(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)

	var mb models.Mailbox
	if err := mc.db.WithContext(c.UserContext()).Where("user_id = ?", user.ID).First(&mb).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Mailbox not configured"})
		}
		return outreachError(c, err)
	}

	return c.JSON(utils.SuccessResponse(mailboxView(&mb)))
}

// UpdateMailbox creates or replaces the caller's mailbox settings.
func (mc *MailboxController) UpdateMailbox(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)

	var req UpdateMailboxRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.FromEmail = strings.ToLower(strings.TrimSpace(req.FromEmail))
	if err := utils.ValidateStruct(req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.SMTPHost != "" && req.SMTPPort == 0 {
		return badRequest(c, "smtp_port is required with smtp_host")
	}

	var mb models.Mailbox
	err := mc.db.WithContext(c.UserContext()).Where("user_id = ?", user.ID).First(&mb).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return outreachError(c, err)
	}

	mb.UserID = user.ID
	mb.FromEmail = req.FromEmail
	mb.FromName = req.FromName
	mb.SMTPHost = req.SMTPHost
	mb.SMTPPort = req.SMTPPort
	mb.SMTPUsername = req.SMTPUsername
	mb.Encryption = strings.ToUpper(req.Encryption)
	mb.IMAPHost = req.IMAPHost
	mb.IMAPPort = req.IMAPPort
	if mb.IMAPPort == 0 {
		mb.IMAPPort = 993
	}
	mb.IMAPUsername = req.IMAPUsername
	mb.IMAPEncryption = strings.ToUpper(req.IMAPEncryption)
	mb.IMAPMailbox = req.IMAPMailbox
	if req.OAuthExpiry != nil {
		mb.OAuthExpiry = req.OAuthExpiry
	}

	secrets := []struct {
		in  *string
		out *string
	}{
		{req.SMTPPassword, &mb.SMTPPassword},
		{req.IMAPPassword, &mb.IMAPPassword},
		{req.OAuthToken, &mb.OAuthToken},
		{req.OAuthRefreshToken, &mb.OAuthRefreshToken},
	}
	for _, s := range secrets {
		if s.in == nil {
			continue
		}
		sealed, err := utils.Encrypt(*s.in)
		if err != nil {
			utils.LogError("mailbox_encrypt", err, map[string]interface{}{"user_id": user.ID})
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to secure credentials"})
		}
		*s.out = sealed
	}

	if err := mc.db.WithContext(c.UserContext()).Save(&mb).Error; err != nil {
		return outreachError(c, err)
	}

	utils.LogEvent("mailbox_updated", map[string]interface{}{
		"user_id": user.ID,
		"gmail":   mb.HasGmail(),
		"smtp":    mb.HasSMTP(),
		"imap":    mb.HasIMAP(),
	})
	return c.JSON(utils.SuccessResponse(mailboxView(&mb)))
}

// VerifyFromAddress checks that the sending domain accepts mail.
func (mc *MailboxController) VerifyFromAddress(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)

	var mb models.Mailbox
	if err := mc.db.WithContext(c.UserContext()).Where("user_id = ?", user.ID).First(&mb).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Mailbox not configured"})
		}
		return outreachError(c, err)
	}

	if err := checkmail.ValidateHost(mb.FromEmail); err != nil {
		return c.JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true})
}

func mailboxView(mb *models.Mailbox) fiber.Map {
	view := *mb
	view.Sanitize()
	return fiber.Map{
		"mailbox":       view,
		"gmail_linked":  mb.HasGmail(),
		"smtp_ready":    mb.HasSMTP(),
		"imap_ready":    mb.HasIMAP(),
		"has_smtp_pass": mb.SMTPPassword != "",
		"has_imap_pass": mb.IMAPPassword != "",
	}
}
