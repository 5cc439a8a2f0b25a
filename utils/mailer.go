package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"athletereach/outreach"
)

// SMTPAccount is a decrypted SMTP login, from a mailbox or the platform relay.
type SMTPAccount struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // SSL, TLS, STARTTLS or empty for plain
	LocalName  string
}

// OutgoingMail is a rendered message ready for any transport.
type OutgoingMail struct {
	FromEmail string
	FromName  string
	To        string
	Subject   string
	Body      string
	// ThreadID is the provider thread of the conversation, if any. SMTP
	// threads are RFC 5322 message ids ("<...>") and become reply headers.
	ThreadID string
}

// BuildMessage renders mail into a gomail message and returns the Message-ID it carries.
func BuildMessage(mail OutgoingMail) (*gomail.Message, string) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(mail.FromEmail))

	m := gomail.NewMessage()
	if mail.FromName != "" {
		m.SetAddressHeader("From", mail.FromEmail, mail.FromName)
	} else {
		m.SetHeader("From", mail.FromEmail)
	}
	m.SetHeader("To", mail.To)
	m.SetHeader("Subject", mail.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", time.Now())
	m.SetHeader("X-Mailer", "AthleteReach/1.0")

	if isRFCMessageID(mail.ThreadID) {
		m.SetHeader("In-Reply-To", mail.ThreadID)
		m.SetHeader("References", mail.ThreadID)
	}

	if LooksLikeHTML(mail.Body) {
		m.SetBody("text/html", mail.Body)
	} else {
		m.SetBody("text/plain", mail.Body)
	}
	return m, messageID
}

// RenderRFC822 writes the message as it would go over the wire.
func RenderRFC822(mail OutgoingMail) ([]byte, string, error) {
	m, messageID := BuildMessage(mail)
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), messageID, nil
}

// SendSMTP delivers one message through acct. gomail has no context support;
// callers bound the call with their own timeout.
func SendSMTP(ctx context.Context, acct SMTPAccount, mail OutgoingMail) (outreach.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return outreach.DeliveryResult{}, err
	}

	dialer := gomail.NewDialer(acct.Host, acct.Port, acct.Username, acct.Password)
	dialer.LocalName = "localhost"
	if acct.LocalName != "" {
		dialer.LocalName = acct.LocalName
	}
	dialer.TLSConfig = &tls.Config{ServerName: acct.Host}
	switch strings.ToUpper(acct.Encryption) {
	case "SSL", "TLS":
		dialer.SSL = true
	default:
		// STARTTLS is negotiated by gomail whenever the server offers it.
		dialer.SSL = false
	}

	m, messageID := BuildMessage(mail)
	if err := dialer.DialAndSend(m); err != nil {
		return outreach.DeliveryResult{}, fmt.Errorf("smtp send failed: %w", err)
	}

	thread := mail.ThreadID
	if thread == "" {
		thread = messageID
	}
	return outreach.DeliveryResult{
		ProviderMessageID: messageID,
		ThreadID:          thread,
		From:              mail.FromEmail,
	}, nil
}

// IsTemporaryError reports SMTP/network failures that are worth retrying.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, tempErr := range []string{"try again", "temporary", "421", "450", "451", "452"} {
		if strings.Contains(errStr, tempErr) {
			return true
		}
	}
	return false
}

func isRFCMessageID(id string) bool {
	return strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") && strings.Contains(id, "@")
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
