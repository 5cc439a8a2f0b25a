package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"athletereach/models"
)

// outboundRank orders the forward-only outbound lattice.
var outboundRank = map[models.MessageStatus]int{
	models.StatusDraft:     0,
	models.StatusScheduled: 1,
	models.StatusSending:   2,
	models.StatusSent:      3,
	models.StatusDelivered: 4,
	models.StatusOpened:    5,
}

func isTerminal(s models.MessageStatus) bool {
	switch s {
	case models.StatusOpened, models.StatusReceived, models.StatusFailed:
		return true
	}
	return false
}

func entersSent(s models.MessageStatus) bool {
	return s == models.StatusSent || s == models.StatusDelivered || s == models.StatusOpened
}

// CanTransition reports whether an outbound message may move from one status to another.
func CanTransition(from, to models.MessageStatus) bool {
	if from == to || isTerminal(from) {
		return false
	}
	switch to {
	case models.StatusReceived:
		return false
	case models.StatusFailed:
		return from == models.StatusDraft || from == models.StatusScheduled ||
			from == models.StatusSending || from == models.StatusSent
	}
	fr, ok := outboundRank[from]
	if !ok {
		return false
	}
	tr, ok := outboundRank[to]
	return ok && tr > fr
}

// Draft describes a new outbound message.
type Draft struct {
	UserID          uint
	RecipientID     uint
	ToAddress       string
	Subject         string
	Body            string
	TemplateRef     *string
	IsFollowUp      bool
	ParentMessageID *uint
}

// MessageStore owns durable Message state. Every status change is a
// compare-and-set on the current status so concurrent writers are rejected
// instead of overwriting each other.
type MessageStore struct {
	db    *gorm.DB
	clock Clock
}

func NewMessageStore(db *gorm.DB, clock Clock) *MessageStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MessageStore{db: db, clock: clock}
}

// CreateDraft inserts an outbound message in draft status.
func (s *MessageStore) CreateDraft(ctx context.Context, d Draft) (*models.Message, error) {
	if d.IsFollowUp && d.ParentMessageID == nil {
		return nil, fmt.Errorf("follow-up draft without parent: %w", ErrInvalidArgument)
	}
	recipientID := d.RecipientID
	msg := &models.Message{
		UserID:          d.UserID,
		Direction:       models.DirectionOutbound,
		ToAddress:       d.ToAddress,
		RecipientID:     &recipientID,
		Subject:         d.Subject,
		Body:            d.Body,
		TemplateRef:     d.TemplateRef,
		Status:          models.StatusDraft,
		IsFollowUp:      d.IsFollowUp,
		ParentMessageID: d.ParentMessageID,
		Metadata:        models.StringMap{},
	}
	msg.CreatedAt = s.clock.Now()
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("creating draft: %w", err)
	}
	return msg, nil
}

// Get loads a message by id.
func (s *MessageStore) Get(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("loading message %d: %w", id, err)
	}
	return &msg, nil
}

// GetOwned loads a message and hides it from callers that do not own it.
func (s *MessageStore) GetOwned(ctx context.Context, callerID, id uint) (*models.Message, error) {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.UserID != callerID {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return msg, nil
}

// MarkSent records a successful send. Only drafts, scheduled messages and
// claimed (sending) messages can be marked sent.
func (s *MessageStore) MarkSent(ctx context.Context, id uint, sentAt time.Time) (*models.Message, error) {
	return s.transition(ctx, id,
		[]models.MessageStatus{models.StatusDraft, models.StatusScheduled, models.StatusSending},
		models.StatusSent,
		map[string]interface{}{"sent_at": sentAt},
	)
}

// MarkStatus moves a message forward along the lattice.
func (s *MessageStore) MarkStatus(ctx context.Context, id uint, to models.MessageStatus) (*models.Message, error) {
	return s.markStatusWith(ctx, id, to, nil)
}

func (s *MessageStore) markStatusWith(ctx context.Context, id uint, to models.MessageStatus, extra map[string]interface{}) (*models.Message, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Direction == models.DirectionInbound || !CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("message %d: %s -> %s: %w", id, cur.Status, to, ErrInvalidTransition)
	}
	if to == models.StatusScheduled && cur.ScheduledFor == nil {
		return nil, fmt.Errorf("message %d has no schedule: %w", id, ErrInvalidTransition)
	}

	updates := map[string]interface{}{}
	for k, v := range extra {
		updates[k] = v
	}
	if entersSent(to) && cur.SentAt == nil {
		updates["sent_at"] = s.clock.Now()
	}
	return s.transition(ctx, id, []models.MessageStatus{cur.Status}, to, updates)
}

// transition is the compare-and-set primitive: the row only changes if its
// status is still one of from.
func (s *MessageStore) transition(ctx context.Context, id uint, from []models.MessageStatus, to models.MessageStatus, extra map[string]interface{}) (*models.Message, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("updating message %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("message %d is %s, cannot move to %s: %w", id, cur.Status, to, ErrInvalidTransition)
	}
	return s.Get(ctx, id)
}

// completeSend finishes a claimed send with the provider's identifiers.
func (s *MessageStore) completeSend(ctx context.Context, id uint, at time.Time, res DeliveryResult) (*models.Message, error) {
	updates := map[string]interface{}{
		"sent_at":    at,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": nil,
	}
	if res.ProviderMessageID != "" {
		updates["provider_message_id"] = res.ProviderMessageID
	}
	if res.ThreadID != "" {
		updates["external_thread_id"] = res.ThreadID
	}
	if res.From != "" {
		updates["from_address"] = res.From
	}
	return s.transition(ctx, id, []models.MessageStatus{models.StatusSending}, models.StatusSent, updates)
}

// failSend records a failed attempt on a claimed message and moves it to next.
func (s *MessageStore) failSend(ctx context.Context, id uint, next models.MessageStatus, attempts int, reason string) (*models.Message, error) {
	return s.transition(ctx, id, []models.MessageStatus{models.StatusSending}, next,
		map[string]interface{}{"attempts": attempts, "last_error": reason})
}

// ListByRecipient returns the caller's conversation with one recipient, newest first.
func (s *MessageStore) ListByRecipient(ctx context.Context, callerID, recipientID uint) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND recipient_id = ?", callerID, recipientID).
		Order("COALESCE(received_at, sent_at, created_at) DESC").
		Order("id DESC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("listing messages for recipient %d: %w", recipientID, err)
	}
	return msgs, nil
}

// Delete removes a draft. Anything past draft is part of the record.
func (s *MessageStore) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, models.StatusDraft).
		Delete(&models.Message{})
	if res.Error != nil {
		return fmt.Errorf("deleting message %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("message %d is %s: %w", id, cur.Status, ErrImmutableRecord)
	}
	return nil
}

// CreateFollowUp inserts a scheduled follow-up unless its parent already has
// one that is neither cancelled nor failed. The parent row is locked for the
// check so concurrent schedulers for one parent run one after the other.
func (s *MessageStore) CreateFollowUp(ctx context.Context, msg *models.Message) error {
	if msg.ParentMessageID == nil || msg.ScheduledFor == nil {
		return fmt.Errorf("follow-up needs parent and schedule: %w", ErrInvalidArgument)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent models.Message
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			First(&parent, *msg.ParentMessageID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("parent message %d: %w", *msg.ParentMessageID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("locking parent %d: %w", *msg.ParentMessageID, err)
		}

		var live int64
		err = tx.Model(&models.Message{}).
			Where("parent_message_id = ? AND is_follow_up = ?", *msg.ParentMessageID, true).
			Where("cancelled_at IS NULL AND status <> ?", models.StatusFailed).
			Count(&live).Error
		if err != nil {
			return fmt.Errorf("checking follow-ups of %d: %w", *msg.ParentMessageID, err)
		}
		if live > 0 {
			return fmt.Errorf("message %d: %w", *msg.ParentMessageID, ErrAlreadyScheduled)
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("creating follow-up: %w", err)
		}
		return nil
	})
}

// Due returns scheduled messages whose time has come, oldest first.
func (s *MessageStore) Due(ctx context.Context, now time.Time) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", models.StatusScheduled, now).
		Order("scheduled_for ASC").
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("listing due follow-ups: %w", err)
	}
	return msgs, nil
}

// ReleaseStaleClaims hands messages stuck in sending back to the scheduler.
func (s *MessageStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("status = ? AND scheduled_for IS NOT NULL AND updated_at < ?", models.StatusSending, olderThan).
		Update("status", models.StatusScheduled)
	if res.Error != nil {
		return 0, fmt.Errorf("releasing stale claims: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Cancel withdraws a scheduled follow-up, keeping the row for audit.
func (s *MessageStore) Cancel(ctx context.Context, id uint, reason string, at time.Time) (*models.Message, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	meta := cur.Metadata.Clone()
	meta[models.MetaCancelled] = "true"
	if reason != "" {
		meta[models.MetaCancelReason] = reason
	}
	return s.transition(ctx, id, []models.MessageStatus{models.StatusScheduled}, models.StatusFailed,
		map[string]interface{}{
			"cancelled_at": at,
			"metadata":     meta,
		})
}

// PendingFollowUpsFor lists scheduled follow-ups addressed to a recipient.
func (s *MessageStore) PendingFollowUpsFor(ctx context.Context, callerID, recipientID uint) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND recipient_id = ? AND is_follow_up = ? AND status = ?",
			callerID, recipientID, true, models.StatusScheduled).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("listing pending follow-ups: %w", err)
	}
	return msgs, nil
}

// LatestOutbound returns the caller's most recently sent message to any recipient.
func (s *MessageStore) LatestOutbound(ctx context.Context, callerID uint) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND direction = ? AND recipient_id IS NOT NULL AND sent_at IS NOT NULL",
			callerID, models.DirectionOutbound).
		Order("sent_at DESC").
		Order("id DESC").
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no outbound messages for user %d: %w", callerID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading latest outbound: %w", err)
	}
	return &msg, nil
}

// LatestOutboundTo finds the message a reply most likely answers, preferring
// the same provider thread.
func (s *MessageStore) LatestOutboundTo(ctx context.Context, callerID, recipientID uint, threadID string) (*models.Message, error) {
	base := func() *gorm.DB {
		return s.db.WithContext(ctx).
			Where("user_id = ? AND recipient_id = ? AND direction = ? AND sent_at IS NOT NULL",
				callerID, recipientID, models.DirectionOutbound).
			Order("sent_at DESC").
			Order("id DESC")
	}

	var msg models.Message
	if threadID != "" {
		err := base().Where("external_thread_id = ?", threadID).First(&msg).Error
		if err == nil {
			return &msg, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("loading thread %s: %w", threadID, err)
		}
	}
	if err := base().First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading latest outbound to %d: %w", recipientID, err)
	}
	return &msg, nil
}

// FindByProviderID resolves a provider webhook to our message.
func (s *MessageStore) FindByProviderID(ctx context.Context, providerID string) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).Where("provider_message_id = ?", providerID).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("provider message %s: %w", providerID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading provider message %s: %w", providerID, err)
	}
	return &msg, nil
}

// ExistsImportKey reports whether an inbound message was already imported.
func (s *MessageStore) ExistsImportKey(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Message{}).Where("import_key = ?", key).Count(&n).Error; err != nil {
		return false, fmt.Errorf("checking import key: %w", err)
	}
	return n > 0, nil
}

// InsertInbound stores an imported reply. It reports false when a row with
// the same import key won the race.
func (s *MessageStore) InsertInbound(ctx context.Context, msg *models.Message) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "import_key"}}, DoNothing: true}).
		Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("inserting inbound message: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
