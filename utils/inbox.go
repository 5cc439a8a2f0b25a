package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"athletereach/outreach"
)

const imapDialTimeout = 30 * time.Second

// IMAPAccount is a decrypted IMAP login.
type IMAPAccount struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string
	Mailbox    string
}

// PollIMAP returns messages delivered to the account since the given time.
// IMAP SINCE has day granularity, so older messages are filtered out here.
// The whole session is bounded by ctx: its deadline becomes the connection
// deadline and cancellation closes the connection.
func PollIMAP(ctx context.Context, acct IMAPAccount, since time.Time) ([]outreach.InboundDescriptor, error) {
	c, release, err := dialIMAP(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer release()
	defer c.Logout()

	if err := c.Login(acct.Username, acct.Password); err != nil {
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := acct.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	var out []outreach.InboundDescriptor
	for msg := range messages {
		d, err := DescriptorFromIMAP(msg, section)
		if err != nil {
			LogError("imap_parse", err, map[string]interface{}{"seq": msg.SeqNum, "host": acct.Host})
			continue
		}
		if !since.IsZero() && d.Date.Before(since) {
			continue
		}
		out = append(out, d)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("error during fetch: %w", err)
	}
	return out, nil
}

// dialIMAP connects under ctx. The returned release func must be called once
// the session is over.
func dialIMAP(ctx context.Context, acct IMAPAccount) (*client.Client, func(), error) {
	addr := net.JoinHostPort(acct.Host, strconv.Itoa(acct.Port))
	tlsConfig := &tls.Config{ServerName: acct.Host}

	dialer := &net.Dialer{Timeout: imapDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	release := func() {
		stop()
		_ = conn.Close()
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = conn.SetDeadline(deadline)
	}

	encryption := strings.ToUpper(acct.Encryption)
	raw := conn
	if encryption == "SSL" || encryption == "TLS" {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			release()
			return nil, nil, err
		}
		raw = tlsConn
	}

	c, err := client.New(raw)
	if err != nil {
		release()
		return nil, nil, err
	}
	if hasDeadline {
		c.Timeout = time.Until(deadline)
	}

	if encryption == "STARTTLS" {
		if err := c.StartTLS(tlsConfig); err != nil {
			release()
			return nil, nil, err
		}
	}
	return c, release, nil
}

// DescriptorFromIMAP converts a fetched message into an import record.
func DescriptorFromIMAP(msg *imap.Message, section *imap.BodySectionName) (outreach.InboundDescriptor, error) {
	if msg.Envelope == nil {
		return outreach.InboundDescriptor{}, errors.New("message envelope missing")
	}

	d := outreach.InboundDescriptor{
		From:             formatAddress(msg.Envelope.From),
		To:               formatAddress(msg.Envelope.To),
		Subject:          msg.Envelope.Subject,
		Date:             msg.Envelope.Date,
		ExternalThreadID: msg.Envelope.InReplyTo,
	}

	if literal := msg.GetBody(section); literal != nil {
		text, html, err := ParseMessageBody(literal)
		if err != nil {
			return d, err
		}
		d.Body = text
		if d.Body == "" {
			d.Body = html
		}
	}
	return d, nil
}

// ParseMessageBody reads a full RFC 822 message and returns its text and HTML parts.
func ParseMessageBody(r io.Reader) (text, html string, err error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to create message reader: %w", err)
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return text, html, fmt.Errorf("failed to read next part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return text, html, fmt.Errorf("failed to read body: %w", err)
		}

		switch {
		case strings.Contains(contentType, "text/html"):
			html = string(b)
		case strings.Contains(contentType, "text/plain"), contentType == "":
			text = string(b)
		}
	}
	return text, html, nil
}

func formatAddress(addrs []*imap.Address) string {
	var result []string
	for _, addr := range addrs {
		if addr == nil {
			continue
		}
		email := addr.MailboxName + "@" + addr.HostName
		if addr.PersonalName != "" {
			result = append(result, fmt.Sprintf("%s <%s>", addr.PersonalName, email))
		} else {
			result = append(result, email)
		}
	}
	return strings.Join(result, ", ")
}
