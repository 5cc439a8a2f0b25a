package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"athletereach/models"
)

// Config bounds delivery work.
type Config struct {
	// MaxAttempts is how many delivery attempts a follow-up gets before it fails.
	MaxAttempts int
	// DeliveryTimeout caps a single adapter call.
	DeliveryTimeout time.Duration
	// ClaimTTL is how long a message may sit in sending before it is released.
	ClaimTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 4 * c.DeliveryTimeout
	}
	return c
}

// FireReport summarizes one pass over the due follow-ups.
type FireReport struct {
	Due     int `json:"due"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type fireOutcome int

const (
	outcomeSkipped fireOutcome = iota
	outcomeSent
	outcomeRetry
	outcomeFailed
)

// Scheduler plans follow-ups and fires them once due.
type Scheduler struct {
	store     *MessageStore
	directory Directory
	adapter   DeliveryAdapter
	clock     Clock
	cfg       Config
	log       logrus.FieldLogger
	events    EventSink
}

func NewScheduler(store *MessageStore, directory Directory, adapter DeliveryAdapter, clock Clock, cfg Config, log logrus.FieldLogger, events EventSink) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if events == nil {
		events = discardSink{}
	}
	return &Scheduler{
		store:     store,
		directory: directory,
		adapter:   adapter,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		log:       log.WithField("component", "scheduler"),
		events:    events,
	}
}

// ScheduleFollowUp plans exactly one follow-up delayDays calendar days from now.
func (s *Scheduler) ScheduleFollowUp(ctx context.Context, parent *models.Message, delayDays int, bodyFn BodyTemplateFunc) (*models.Message, error) {
	if parent == nil || parent.Direction != models.DirectionOutbound {
		return nil, fmt.Errorf("follow-up parent must be an outbound message: %w", ErrInvalidArgument)
	}
	if delayDays <= 0 {
		return nil, fmt.Errorf("follow-up delay %d: %w", delayDays, ErrInvalidArgument)
	}
	if parent.RecipientID == nil {
		return nil, fmt.Errorf("message %d has no recipient: %w", parent.ID, ErrInvalidArgument)
	}
	if bodyFn == nil {
		bodyFn = DefaultFollowUp
	}

	recipient, err := s.directory.GetRecipient(ctx, *parent.RecipientID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	due := now.AddDate(0, 0, delayDays)
	subject, body := bodyFn(parent, recipient)
	parentID := parent.ID
	days := delayDays
	recipientID := recipient.ID

	msg := &models.Message{
		UserID:           parent.UserID,
		Direction:        models.DirectionOutbound,
		FromAddress:      parent.FromAddress,
		ToAddress:        recipient.Email,
		RecipientID:      &recipientID,
		Subject:          subject,
		Body:             body,
		Status:           models.StatusScheduled,
		ScheduledFor:     &due,
		IsFollowUp:       true,
		ParentMessageID:  &parentID,
		FollowUpDays:     &days,
		ExternalThreadID: parent.ExternalThreadID,
		Metadata:         models.StringMap{},
	}
	msg.CreatedAt = now

	if err := s.store.CreateFollowUp(ctx, msg); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"message_id":    msg.ID,
		"parent_id":     parentID,
		"scheduled_for": due,
	}).Info("follow-up scheduled")
	s.events.Publish(Event{Type: EventFollowUpScheduled, UserID: msg.UserID, MessageID: msg.ID, Status: msg.Status, At: now})
	return msg, nil
}

// DueFollowUps lists what FireDueFollowUps would attempt. Reading it changes nothing.
func (s *Scheduler) DueFollowUps(ctx context.Context, now time.Time) ([]models.Message, error) {
	return s.store.Due(ctx, now)
}

// FireDueFollowUps attempts every due follow-up, oldest first. It is safe to
// run concurrently: each message is claimed before delivery, so a message is
// handed to the adapter at most once per claim.
func (s *Scheduler) FireDueFollowUps(ctx context.Context, now time.Time) (FireReport, error) {
	var report FireReport

	if released, err := s.store.ReleaseStaleClaims(ctx, now.Add(-s.cfg.ClaimTTL)); err != nil {
		s.log.WithError(err).Warn("could not release stale claims")
	} else if released > 0 {
		s.log.WithField("count", released).Warn("released stale sending claims")
	}

	due, err := s.store.Due(ctx, now)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	for i := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		switch s.fireOne(ctx, &due[i], now) {
		case outcomeSent:
			report.Sent++
		case outcomeRetry:
			report.Retried++
		case outcomeFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

func (s *Scheduler) fireOne(ctx context.Context, msg *models.Message, now time.Time) fireOutcome {
	log := s.log.WithField("message_id", msg.ID)

	claimed, err := s.store.transition(ctx, msg.ID, []models.MessageStatus{models.StatusScheduled}, models.StatusSending, nil)
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrNotFound) {
			log.WithError(err).Error("claiming follow-up")
		}
		return outcomeSkipped
	}

	res, derr := deliverWithTimeout(ctx, s.adapter, claimed, s.cfg.DeliveryTimeout)
	if derr == nil {
		if _, err := s.store.completeSend(ctx, claimed.ID, now, res); err != nil {
			log.WithError(err).Error("recording sent follow-up")
			return outcomeFailed
		}
		if claimed.RecipientID != nil {
			if err := s.directory.TouchLastContacted(ctx, *claimed.RecipientID, now); err != nil {
				log.WithError(err).Warn("updating last contacted")
			}
		}
		log.Info("follow-up sent")
		s.events.Publish(Event{Type: EventMessageSent, UserID: claimed.UserID, MessageID: claimed.ID, Status: models.StatusSent, At: now})
		return outcomeSent
	}

	attempts := claimed.Attempts + 1
	reason := derr.Error()
	next := models.StatusScheduled
	if attempts >= s.cfg.MaxAttempts {
		next = models.StatusFailed
	}
	if _, err := s.store.failSend(ctx, claimed.ID, next, attempts, reason); err != nil {
		log.WithError(err).Error("recording failed attempt")
	}

	log = log.WithFields(logrus.Fields{"attempt": attempts, "error": reason})
	if next == models.StatusFailed {
		log.Error("follow-up delivery exhausted")
		s.events.Publish(Event{Type: EventMessageFailed, UserID: claimed.UserID, MessageID: claimed.ID, Status: models.StatusFailed, At: now})
		return outcomeFailed
	}
	log.Warn("follow-up delivery failed, will retry")
	return outcomeRetry
}

// CancelFollowUp withdraws a scheduled follow-up owned by the caller.
func (s *Scheduler) CancelFollowUp(ctx context.Context, callerID, id uint, reason string) (*models.Message, error) {
	msg, err := s.store.GetOwned(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	if !msg.IsFollowUp {
		return nil, fmt.Errorf("message %d is not a follow-up: %w", id, ErrInvalidTransition)
	}
	now := s.clock.Now()
	cancelled, err := s.store.Cancel(ctx, id, reason, now)
	if err != nil {
		return nil, err
	}
	s.events.Publish(Event{Type: EventFollowUpCancelled, UserID: callerID, MessageID: id, Status: cancelled.Status, At: now})
	return cancelled, nil
}

// deliverWithTimeout bounds one adapter call. A late success after the
// deadline still counts as a timeout.
func deliverWithTimeout(ctx context.Context, adapter DeliveryAdapter, msg *models.Message, timeout time.Duration) (DeliveryResult, error) {
	return callWithTimeout(ctx, timeout, "delivery", func(dctx context.Context) (DeliveryResult, error) {
		return adapter.Deliver(dctx, msg)
	})
}

// pollWithTimeout bounds an inbox poll the same way.
func pollWithTimeout(ctx context.Context, adapter DeliveryAdapter, callerID uint, since time.Time, timeout time.Duration) ([]InboundDescriptor, error) {
	return callWithTimeout(ctx, timeout, "inbox poll", func(pctx context.Context) ([]InboundDescriptor, error) {
		return adapter.PollInbox(pctx, callerID, since)
	})
}

// callWithTimeout runs fn in its own goroutine so an adapter that ignores its
// context still cannot hold the caller past timeout. Panics become errors.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s panicked: %v", op, r)}
			}
		}()
		val, err := fn(cctx)
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-cctx.Done():
		var zero T
		return zero, fmt.Errorf("%s timed out after %s: %w", op, timeout, cctx.Err())
	}
}
