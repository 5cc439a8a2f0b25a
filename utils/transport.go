package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"gorm.io/gorm"

	"athletereach/config"
	"athletereach/models"
	"athletereach/outreach"
)

var (
	errNoSendChannel = errors.New("no mail account configured: connect Gmail or add SMTP settings")
	errNoInbox       = errors.New("no inbox configured: connect Gmail or add IMAP settings")
)

// MailboxTransport delivers through the caller's own mailbox. Gmail wins when
// connected; SMTP (the mailbox's own, else the platform relay) is the fallback.
type MailboxTransport struct {
	db              *gorm.DB
	relay           config.SMTPConfig
	trackingBaseURL string
	now             func() time.Time

	sendSMTP  func(ctx context.Context, acct SMTPAccount, mail OutgoingMail) (outreach.DeliveryResult, error)
	sendGmail func(ctx context.Context, tok *oauth2.Token, mail OutgoingMail) (outreach.DeliveryResult, *oauth2.Token, error)
	pollIMAP  func(ctx context.Context, acct IMAPAccount, since time.Time) ([]outreach.InboundDescriptor, error)
	pollGmail func(ctx context.Context, tok *oauth2.Token, since time.Time) ([]outreach.InboundDescriptor, *oauth2.Token, error)
}

var _ outreach.DeliveryAdapter = (*MailboxTransport)(nil)

// GoogleOAuthConfig builds the OAuth client used for Gmail grants.
func GoogleOAuthConfig(cfg config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope, gmail.GmailReadonlyScope},
	}
}

func NewMailboxTransport(db *gorm.DB, cfg *config.Config) *MailboxTransport {
	gc := NewGmailClient(GoogleOAuthConfig(cfg.Google))
	return &MailboxTransport{
		db:              db,
		relay:           cfg.SMTP,
		trackingBaseURL: cfg.TrackingBaseURL,
		now:             func() time.Time { return time.Now().UTC() },
		sendSMTP:        SendSMTP,
		sendGmail:       gc.Send,
		pollIMAP:        PollIMAP,
		pollGmail:       gc.Poll,
	}
}

func (t *MailboxTransport) Deliver(ctx context.Context, msg *models.Message) (outreach.DeliveryResult, error) {
	mb, err := t.mailbox(ctx, msg.UserID)
	if err != nil {
		return outreach.DeliveryResult{}, err
	}

	mail := t.render(mb, msg)

	var gmailErr error
	if mb != nil && mb.HasGmail() {
		tok, err := oauthToken(mb)
		if err != nil {
			gmailErr = err
		} else {
			res, fresh, err := t.sendGmail(ctx, tok, mail)
			if err == nil {
				t.storeToken(ctx, mb, fresh)
				return res, nil
			}
			gmailErr = err
		}
	}

	acct, ok, err := t.smtpAccount(mb)
	if err != nil {
		return outreach.DeliveryResult{}, err
	}
	if !ok {
		if gmailErr != nil {
			return outreach.DeliveryResult{}, gmailErr
		}
		return outreach.DeliveryResult{}, errNoSendChannel
	}

	if gmailErr != nil {
		LogEvent("gmail_fallback_smtp", map[string]interface{}{
			"user_id":    msg.UserID,
			"message_id": msg.ID,
			"error":      gmailErr.Error(),
		})
	}
	return t.sendSMTP(ctx, acct, mail)
}

func (t *MailboxTransport) PollInbox(ctx context.Context, callerID uint, since time.Time) ([]outreach.InboundDescriptor, error) {
	mb, err := t.mailbox(ctx, callerID)
	if err != nil {
		return nil, err
	}

	var (
		found   []outreach.InboundDescriptor
		pollErr error
	)
	switch {
	case mb != nil && mb.HasGmail():
		tok, err := oauthToken(mb)
		if err != nil {
			pollErr = err
			break
		}
		var fresh *oauth2.Token
		found, fresh, pollErr = t.pollGmail(ctx, tok, since)
		if pollErr == nil {
			t.storeToken(ctx, mb, fresh)
		}
	case mb != nil && mb.HasIMAP():
		acct, err := imapAccount(mb)
		if err != nil {
			pollErr = err
			break
		}
		found, pollErr = t.pollIMAP(ctx, acct, since)
	default:
		return nil, errNoInbox
	}

	t.recordSync(ctx, mb, pollErr)
	if pollErr != nil {
		return nil, pollErr
	}
	return found, nil
}

func (t *MailboxTransport) mailbox(ctx context.Context, userID uint) (*models.Mailbox, error) {
	var mb models.Mailbox
	err := t.db.WithContext(ctx).Where("user_id = ?", userID).First(&mb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox: %w", err)
	}
	return &mb, nil
}

func (t *MailboxTransport) render(mb *models.Mailbox, msg *models.Message) OutgoingMail {
	mail := OutgoingMail{
		FromEmail: t.relay.FromEmail,
		FromName:  t.relay.FromName,
		To:        msg.ToAddress,
		Subject:   msg.Subject,
		Body:      InjectTracking(msg.Body, t.trackingBaseURL, msg.ID),
	}
	if mb != nil && mb.FromEmail != "" {
		mail.FromEmail = mb.FromEmail
		mail.FromName = mb.FromName
	}
	if msg.ExternalThreadID != nil {
		mail.ThreadID = *msg.ExternalThreadID
	}
	return mail
}

func (t *MailboxTransport) smtpAccount(mb *models.Mailbox) (SMTPAccount, bool, error) {
	if mb != nil && mb.HasSMTP() {
		password, err := Decrypt(mb.SMTPPassword)
		if err != nil {
			return SMTPAccount{}, false, fmt.Errorf("failed to decrypt SMTP password: %w", err)
		}
		return SMTPAccount{
			Host:       mb.SMTPHost,
			Port:       mb.SMTPPort,
			Username:   mb.SMTPUsername,
			Password:   password,
			Encryption: mb.Encryption,
		}, true, nil
	}
	if t.relay.Configured() {
		return SMTPAccount{
			Host:       t.relay.Host,
			Port:       t.relay.Port,
			Username:   t.relay.Username,
			Password:   t.relay.Password,
			Encryption: t.relay.Encryption,
		}, true, nil
	}
	return SMTPAccount{}, false, nil
}

func imapAccount(mb *models.Mailbox) (IMAPAccount, error) {
	password, err := Decrypt(mb.IMAPPassword)
	if err != nil {
		return IMAPAccount{}, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}
	username := mb.IMAPUsername
	if username == "" {
		username = mb.SMTPUsername
	}
	return IMAPAccount{
		Host:       mb.IMAPHost,
		Port:       mb.IMAPPort,
		Username:   username,
		Password:   password,
		Encryption: mb.IMAPEncryption,
		Mailbox:    mb.IMAPMailbox,
	}, nil
}

func oauthToken(mb *models.Mailbox) (*oauth2.Token, error) {
	access, err := Decrypt(mb.OAuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt OAuth token: %w", err)
	}
	refresh, err := Decrypt(mb.OAuthRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt OAuth refresh token: %w", err)
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
	if mb.OAuthExpiry != nil {
		tok.Expiry = *mb.OAuthExpiry
	}
	return tok, nil
}

// storeToken persists a refreshed grant. Failures are logged; the send already happened.
func (t *MailboxTransport) storeToken(ctx context.Context, mb *models.Mailbox, tok *oauth2.Token) {
	if tok == nil {
		return
	}
	access, err := Encrypt(tok.AccessToken)
	if err != nil {
		LogError("oauth_token_encrypt", err, map[string]interface{}{"mailbox_id": mb.ID})
		return
	}
	updates := map[string]interface{}{"oauth_token": access, "oauth_expiry": tok.Expiry}
	if tok.RefreshToken != "" {
		refresh, err := Encrypt(tok.RefreshToken)
		if err != nil {
			LogError("oauth_token_encrypt", err, map[string]interface{}{"mailbox_id": mb.ID})
			return
		}
		updates["oauth_refresh_token"] = refresh
	}
	if err := t.db.WithContext(ctx).Model(&models.Mailbox{}).Where("id = ?", mb.ID).Updates(updates).Error; err != nil {
		LogError("oauth_token_store", err, map[string]interface{}{"mailbox_id": mb.ID})
	}
}

func (t *MailboxTransport) recordSync(ctx context.Context, mb *models.Mailbox, pollErr error) {
	updates := map[string]interface{}{}
	if pollErr != nil {
		updates["last_error"] = pollErr.Error()
	} else {
		updates["last_synced_at"] = t.now()
		updates["last_error"] = nil
	}
	if err := t.db.WithContext(ctx).Model(&models.Mailbox{}).Where("id = ?", mb.ID).Updates(updates).Error; err != nil {
		LogError("mailbox_sync_status", err, map[string]interface{}{"mailbox_id": mb.ID})
	}
}
