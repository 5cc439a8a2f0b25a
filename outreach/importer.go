package outreach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"athletereach/models"
)

// ImportResult is the aggregate outcome of a batch.
type ImportResult struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// Importer threads inbound replies onto recipients and outbound messages.
type Importer struct {
	store     *MessageStore
	directory Directory
	clock     Clock
	log       logrus.FieldLogger
	events    EventSink
}

func NewImporter(store *MessageStore, directory Directory, clock Clock, log logrus.FieldLogger, events EventSink) *Importer {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if events == nil {
		events = discardSink{}
	}
	return &Importer{
		store:     store,
		directory: directory,
		clock:     clock,
		log:       log.WithField("component", "importer"),
		events:    events,
	}
}

// ImportBatch imports each descriptor independently. A bad record is counted
// and logged; it never stops the batch.
func (im *Importer) ImportBatch(ctx context.Context, callerID uint, batch []InboundDescriptor) ImportResult {
	var result ImportResult
	for i := range batch {
		imported, err := im.importOne(ctx, callerID, batch[i])
		switch {
		case err != nil:
			result.Errors++
			im.log.WithFields(logrus.Fields{
				"user_id": callerID,
				"from":    batch[i].From,
				"subject": batch[i].Subject,
			}).WithError(err).Warn("skipping inbound message")
		case imported:
			result.Imported++
		default:
			result.Duplicates++
		}
	}
	return result
}

// ImportKey identifies an inbound message across repeated polls.
func ImportKey(callerID uint, d InboundDescriptor) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s", callerID, d.ExternalThreadID, strings.TrimSpace(d.Subject), d.Date.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

func (im *Importer) importOne(ctx context.Context, callerID uint, d InboundDescriptor) (bool, error) {
	from, err := ExtractAddress(d.From)
	if err != nil {
		return false, fmt.Errorf("from: %w", err)
	}
	to, err := ExtractAddress(d.To)
	if err != nil {
		return false, fmt.Errorf("to: %w", err)
	}

	key := ImportKey(callerID, d)
	exists, err := im.store.ExistsImportKey(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%v: %w", err, ErrImport)
	}
	if exists {
		return false, nil
	}

	recipientID, fallback, err := im.resolve(ctx, callerID, from)
	if err != nil {
		return false, err
	}

	now := im.clock.Now()
	sentAt := now
	if !d.Date.IsZero() {
		sentAt = d.Date.UTC()
	}
	msg := &models.Message{
		UserID:      callerID,
		Direction:   models.DirectionInbound,
		FromAddress: from,
		ToAddress:   to,
		RecipientID: &recipientID,
		Subject:     d.Subject,
		Body:        d.Body,
		Status:      models.StatusReceived,
		SentAt:      &sentAt,
		ReceivedAt:  &now,
		ImportKey:   &key,
		Metadata:    models.StringMap{},
	}
	msg.CreatedAt = now
	if d.ExternalThreadID != "" {
		thread := d.ExternalThreadID
		msg.ExternalThreadID = &thread
	}
	if fallback {
		msg.Metadata[models.MetaResolvedByFallback] = "true"
	}
	if parent, err := im.store.LatestOutboundTo(ctx, callerID, recipientID, d.ExternalThreadID); err == nil {
		msg.ReplyToMessageID = &parent.ID
	} else if !errors.Is(err, ErrNotFound) {
		im.log.WithError(err).Warn("threading reply")
	}

	inserted, err := im.store.InsertInbound(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("%v: %w", err, ErrImport)
	}
	if !inserted {
		return false, nil
	}

	im.events.Publish(Event{Type: EventMessageReceived, UserID: callerID, MessageID: msg.ID, Status: msg.Status, At: now})
	if !fallback {
		im.cancelPendingFollowUps(ctx, callerID, recipientID, now)
	}
	return true, nil
}

// resolve maps the reply's sender to a recipient. When the address is not in
// the directory it guesses the recipient of the caller's latest send.
func (im *Importer) resolve(ctx context.Context, callerID uint, from string) (uint, bool, error) {
	r, err := im.directory.FindRecipientByEmail(ctx, from)
	if err == nil {
		return r.ID, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, false, fmt.Errorf("%v: %w", err, ErrImport)
	}

	latest, err := im.store.LatestOutbound(ctx, callerID)
	if err != nil {
		return 0, false, fmt.Errorf("no recipient for %s: %w", from, ErrImport)
	}
	return *latest.RecipientID, true, nil
}

// cancelPendingFollowUps stops automatic follow-ups once the coach answers.
func (im *Importer) cancelPendingFollowUps(ctx context.Context, callerID, recipientID uint, now time.Time) {
	pending, err := im.store.PendingFollowUpsFor(ctx, callerID, recipientID)
	if err != nil {
		im.log.WithError(err).Warn("loading pending follow-ups")
		return
	}
	for _, p := range pending {
		if _, err := im.store.Cancel(ctx, p.ID, "reply_received", now); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				im.log.WithError(err).WithField("message_id", p.ID).Warn("cancelling follow-up after reply")
			}
			continue
		}
		im.events.Publish(Event{Type: EventFollowUpCancelled, UserID: callerID, MessageID: p.ID, Status: models.StatusFailed, At: now})
	}
}
