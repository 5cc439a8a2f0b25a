package utils

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"athletereach/outreach"
)

const gmailUser = "me"

// GmailClient sends and reads mail for one OAuth grant at a time.
type GmailClient struct {
	cfg *oauth2.Config
	// endpoint overrides the API base URL; empty means Google's.
	endpoint string
}

func NewGmailClient(cfg *oauth2.Config) *GmailClient {
	return &GmailClient{cfg: cfg}
}

// WithEndpoint points the client at another API base URL.
func (g *GmailClient) WithEndpoint(endpoint string) *GmailClient {
	return &GmailClient{cfg: g.cfg, endpoint: endpoint}
}

// newSvc returns a service plus the token source so callers can see refreshes.
func (g *GmailClient) newSvc(ctx context.Context, tok *oauth2.Token) (*gmail.Service, oauth2.TokenSource, error) {
	ts := g.cfg.TokenSource(ctx, tok)
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}

	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("gmail.NewService failed: %w", err)
	}
	return srv, ts, nil
}

// Send delivers mail through the Gmail API. The returned token is non-nil
// when the access token was refreshed and must be persisted.
func (g *GmailClient) Send(ctx context.Context, tok *oauth2.Token, mail OutgoingMail) (outreach.DeliveryResult, *oauth2.Token, error) {
	srv, ts, err := g.newSvc(ctx, tok)
	if err != nil {
		return outreach.DeliveryResult{}, nil, err
	}

	raw, _, err := RenderRFC822(mail)
	if err != nil {
		return outreach.DeliveryResult{}, nil, fmt.Errorf("render message failed: %w", err)
	}

	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if mail.ThreadID != "" && !isRFCMessageID(mail.ThreadID) {
		msg.ThreadId = mail.ThreadID
	}

	sent, err := srv.Users.Messages.Send(gmailUser, msg).Context(ctx).Do()
	if err != nil {
		return outreach.DeliveryResult{}, nil, fmt.Errorf("messages.Send failed: %w", err)
	}

	return outreach.DeliveryResult{
		ProviderMessageID: sent.Id,
		ThreadID:          sent.ThreadId,
		From:              mail.FromEmail,
	}, refreshed(ts, tok), nil
}

// Poll lists inbox messages received after since, with metadata only.
func (g *GmailClient) Poll(ctx context.Context, tok *oauth2.Token, since time.Time) ([]outreach.InboundDescriptor, *oauth2.Token, error) {
	srv, ts, err := g.newSvc(ctx, tok)
	if err != nil {
		return nil, nil, err
	}

	q := "in:inbox"
	if !since.IsZero() {
		q = fmt.Sprintf("in:inbox after:%d", since.Unix())
	}

	var out []outreach.InboundDescriptor
	pageToken := ""
	for {
		call := srv.Users.Messages.List(gmailUser).Q(q).MaxResults(100).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, nil, fmt.Errorf("messages.List failed: %w", err)
		}

		for _, ref := range list.Messages {
			m, err := srv.Users.Messages.Get(gmailUser, ref.Id).
				Format("metadata").
				MetadataHeaders("From", "To", "Subject", "Date").
				Context(ctx).
				Do()
			if err != nil {
				return nil, nil, fmt.Errorf("messages.Get failed: %w", err)
			}
			out = append(out, descriptorFromGmail(m))
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	return out, refreshed(ts, tok), nil
}

func descriptorFromGmail(m *gmail.Message) outreach.InboundDescriptor {
	d := outreach.InboundDescriptor{
		Body:             m.Snippet,
		ExternalThreadID: m.ThreadId,
	}
	if m.InternalDate > 0 {
		d.Date = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload == nil {
		return d
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			d.From = h.Value
		case "to":
			d.To = h.Value
		case "subject":
			d.Subject = h.Value
		}
	}
	return d
}

func refreshed(ts oauth2.TokenSource, prev *oauth2.Token) *oauth2.Token {
	cur, err := ts.Token()
	if err != nil || cur == nil || cur.AccessToken == prev.AccessToken {
		return nil
	}
	return cur
}
