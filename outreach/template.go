package outreach

import (
	"bytes"
	"strings"
	"text/template"

	"athletereach/models"
)

// BodyTemplateFunc renders the subject and body of a follow-up.
type BodyTemplateFunc func(parent *models.Message, recipient *models.Recipient) (subject, body string)

var followUpTemplate = template.Must(template.New("followup").Parse(
	`Hi {{.Name}},

I wanted to follow up on my earlier email{{if .Subject}} "{{.Subject}}"{{end}}. I'm still very interested in {{.Organization}} and would appreciate any update you can share about your recruiting plans.

Thank you for your time,
`))

// DefaultFollowUp is the follow-up used when the caller does not supply one.
func DefaultFollowUp(parent *models.Message, recipient *models.Recipient) (string, string) {
	data := struct {
		Name         string
		Organization string
		Subject      string
	}{
		Name:         "Coach",
		Organization: "your program",
		Subject:      parent.Subject,
	}
	if recipient != nil {
		if recipient.Name != "" {
			data.Name = recipient.Name
		}
		if recipient.Organization != "" {
			data.Organization = recipient.Organization
		}
	}

	var buf bytes.Buffer
	if err := followUpTemplate.Execute(&buf, data); err != nil {
		return ReplySubject(parent.Subject), parent.Body
	}
	return ReplySubject(parent.Subject), buf.String()
}

// StaticFollowUp returns a template that always renders the given text.
func StaticFollowUp(subject, body string) BodyTemplateFunc {
	return func(parent *models.Message, _ *models.Recipient) (string, string) {
		s := subject
		if s == "" {
			s = ReplySubject(parent.Subject)
		}
		return s, body
	}
}

// ReplySubject prefixes "Re: " once.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
