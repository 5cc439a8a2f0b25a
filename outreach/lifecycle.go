package outreach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"athletereach/models"
)

// FollowUpConfig asks Send to plan a follow-up once the message is out.
type FollowUpConfig struct {
	Days int `json:"days" validate:"required,min=1,max=90"`
	// Manual creates a reminder task instead of an automatic send.
	Manual  bool   `json:"manual"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Options tunes a Lifecycle. Zero values pick sensible defaults.
type Options struct {
	Clock            Clock
	Logger           logrus.FieldLogger
	Events           EventSink
	FollowUpTemplate BodyTemplateFunc
	Config           Config
}

// Lifecycle is the entry point for everything that writes messages or tasks.
type Lifecycle struct {
	store     *MessageStore
	tasks     *TaskStore
	scheduler *Scheduler
	importer  *Importer
	directory Directory
	adapter   DeliveryAdapter
	clock     Clock
	cfg       Config
	log       logrus.FieldLogger
	events    EventSink
	followUp  BodyTemplateFunc
}

func NewLifecycle(db *gorm.DB, directory Directory, adapter DeliveryAdapter, opts Options) *Lifecycle {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Events == nil {
		opts.Events = discardSink{}
	}
	if opts.FollowUpTemplate == nil {
		opts.FollowUpTemplate = DefaultFollowUp
	}
	if directory == nil {
		directory = NewGormDirectory(db)
	}
	cfg := opts.Config.withDefaults()

	store := NewMessageStore(db, opts.Clock)
	return &Lifecycle{
		store:     store,
		tasks:     NewTaskStore(db, opts.Clock),
		scheduler: NewScheduler(store, directory, adapter, opts.Clock, cfg, opts.Logger, opts.Events),
		importer:  NewImporter(store, directory, opts.Clock, opts.Logger, opts.Events),
		directory: directory,
		adapter:   adapter,
		clock:     opts.Clock,
		cfg:       cfg,
		log:       opts.Logger.WithField("component", "lifecycle"),
		events:    opts.Events,
		followUp:  opts.FollowUpTemplate,
	}
}

func (l *Lifecycle) Store() *MessageStore { return l.store }
func (l *Lifecycle) Tasks() *TaskStore { return l.tasks }
func (l *Lifecycle) Scheduler() *Scheduler { return l.scheduler }
func (l *Lifecycle) Importer() *Importer { return l.importer }
func (l *Lifecycle) Directory() Directory { return l.directory }
func (l *Lifecycle) Now() time.Time { return l.clock.Now() }

// Send delivers a new message to a directory recipient. On adapter failure
// the stored message is failed and returned alongside a *DeliveryError
// carrying the adapter's message.
func (l *Lifecycle) Send(ctx context.Context, callerID, recipientID uint, subject, body string, fu *FollowUpConfig) (*models.Message, error) {
	if fu != nil && fu.Days <= 0 {
		return nil, fmt.Errorf("follow-up days %d: %w", fu.Days, ErrInvalidArgument)
	}
	recipient, err := l.directory.GetRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	msg, err := l.store.CreateDraft(ctx, Draft{
		UserID:      callerID,
		RecipientID: recipient.ID,
		ToAddress:   recipient.Email,
		Subject:     subject,
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return l.dispatch(ctx, msg, recipient, fu)
}

// SaveDraft stores a message without contacting the provider.
func (l *Lifecycle) SaveDraft(ctx context.Context, callerID, recipientID uint, subject, body string) (*models.Message, error) {
	recipient, err := l.directory.GetRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	return l.store.CreateDraft(ctx, Draft{
		UserID:      callerID,
		RecipientID: recipient.ID,
		ToAddress:   recipient.Email,
		Subject:     subject,
		Body:        body,
	})
}

// SendExistingDraft promotes one of the caller's drafts through the send path.
func (l *Lifecycle) SendExistingDraft(ctx context.Context, callerID, id uint) (*models.Message, error) {
	msg, err := l.store.GetOwned(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != models.StatusDraft || msg.Direction != models.DirectionOutbound {
		return nil, fmt.Errorf("draft %d: %w", id, ErrNotFound)
	}
	if msg.RecipientID == nil {
		return nil, fmt.Errorf("draft %d has no recipient: %w", id, ErrInvalidArgument)
	}
	recipient, err := l.directory.GetRecipient(ctx, *msg.RecipientID)
	if err != nil {
		return nil, err
	}
	return l.dispatch(ctx, msg, recipient, nil)
}

// dispatch claims a draft, hands it to the adapter and records the outcome.
func (l *Lifecycle) dispatch(ctx context.Context, msg *models.Message, recipient *models.Recipient, fu *FollowUpConfig) (*models.Message, error) {
	log := l.log.WithFields(logrus.Fields{"message_id": msg.ID, "user_id": msg.UserID})

	updates := map[string]interface{}{}
	if msg.ToAddress == "" {
		updates["to_address"] = recipient.Email
	}
	claimed, err := l.store.transition(ctx, msg.ID, []models.MessageStatus{models.StatusDraft}, models.StatusSending, updates)
	if err != nil {
		return nil, err
	}

	res, derr := deliverWithTimeout(ctx, l.adapter, claimed, l.cfg.DeliveryTimeout)
	now := l.clock.Now()
	if derr != nil {
		reason := derr.Error()
		failed, err := l.store.failSend(ctx, claimed.ID, models.StatusFailed, claimed.Attempts+1, reason)
		if err != nil {
			log.WithError(err).Error("recording failed send")
			failed = claimed
		}
		log.WithField("error", reason).Warn("send failed")
		l.events.Publish(Event{Type: EventMessageFailed, UserID: claimed.UserID, MessageID: claimed.ID, Status: models.StatusFailed, At: now})
		return failed, &DeliveryError{MessageID: claimed.ID, Reason: reason}
	}

	sent, err := l.store.completeSend(ctx, claimed.ID, now, res)
	if err != nil {
		return nil, err
	}
	if err := l.directory.TouchLastContacted(ctx, recipient.ID, now); err != nil {
		log.WithError(err).Warn("updating last contacted")
	}
	log.Info("message sent")
	l.events.Publish(Event{Type: EventMessageSent, UserID: sent.UserID, MessageID: sent.ID, Status: sent.Status, At: now})

	if fu != nil {
		if err := l.planFollowUp(ctx, sent, recipient, fu); err != nil {
			log.WithError(err).Error("planning follow-up")
		}
	}
	return sent, nil
}

func (l *Lifecycle) planFollowUp(ctx context.Context, sent *models.Message, recipient *models.Recipient, fu *FollowUpConfig) error {
	if !fu.Manual {
		_, err := l.scheduler.ScheduleFollowUp(ctx, sent, fu.Days, l.followUpTemplate(fu))
		return err
	}

	now := l.clock.Now()
	subject, _ := l.followUpTemplate(fu)(sent, recipient)
	name := recipient.Name
	if name == "" {
		name = recipient.Email
	}
	messageID, recipientID := sent.ID, recipient.ID
	task := &models.Task{
		UserID:      sent.UserID,
		Title:       "Follow up with " + name,
		DueDate:     now.AddDate(0, 0, fu.Days),
		MessageID:   &messageID,
		RecipientID: &recipientID,
		Metadata:    models.StringMap{models.MetaSuggestedSubject: subject},
	}
	if err := l.tasks.Create(ctx, task); err != nil {
		return err
	}
	l.events.Publish(Event{Type: EventFollowUpTaskOpened, UserID: task.UserID, MessageID: messageID, TaskID: task.ID, At: now})
	return nil
}

// followUpTemplate fills whatever the caller left blank from the default template.
func (l *Lifecycle) followUpTemplate(fu *FollowUpConfig) BodyTemplateFunc {
	if fu == nil || (strings.TrimSpace(fu.Subject) == "" && strings.TrimSpace(fu.Body) == "") {
		return l.followUp
	}
	return func(parent *models.Message, recipient *models.Recipient) (string, string) {
		subject, body := l.followUp(parent, recipient)
		if strings.TrimSpace(fu.Subject) != "" {
			subject = fu.Subject
		}
		if strings.TrimSpace(fu.Body) != "" {
			body = fu.Body
		}
		return subject, body
	}
}

// DeleteMessage removes one of the caller's drafts.
func (l *Lifecycle) DeleteMessage(ctx context.Context, callerID, id uint) error {
	if _, err := l.store.GetOwned(ctx, callerID, id); err != nil {
		return err
	}
	return l.store.Delete(ctx, id)
}

// CancelFollowUp withdraws a pending follow-up. The row stays as failed with a
// cancelled marker.
func (l *Lifecycle) CancelFollowUp(ctx context.Context, callerID, id uint, reason string) (*models.Message, error) {
	if reason == "" {
		reason = "cancelled_by_user"
	}
	return l.scheduler.CancelFollowUp(ctx, callerID, id, reason)
}

// History is the caller's conversation with a recipient, newest first.
func (l *Lifecycle) History(ctx context.Context, callerID, recipientID uint) ([]models.Message, error) {
	if _, err := l.directory.GetRecipient(ctx, recipientID); err != nil {
		return nil, err
	}
	return l.store.ListByRecipient(ctx, callerID, recipientID)
}

func (l *Lifecycle) FireDueFollowUps(ctx context.Context, now time.Time) (FireReport, error) {
	return l.scheduler.FireDueFollowUps(ctx, now)
}

// ImportReplies polls the caller's inbox and imports what it finds.
func (l *Lifecycle) ImportReplies(ctx context.Context, callerID uint, since time.Time) (ImportResult, error) {
	batch, err := pollWithTimeout(ctx, l.adapter, callerID, since, l.cfg.DeliveryTimeout)
	if err != nil {
		return ImportResult{}, &DeliveryError{Reason: err.Error()}
	}
	return l.Import(ctx, callerID, batch), nil
}

// Import threads an already-fetched batch.
func (l *Lifecycle) Import(ctx context.Context, callerID uint, batch []InboundDescriptor) ImportResult {
	result := l.importer.ImportBatch(ctx, callerID, batch)
	l.log.WithFields(logrus.Fields{
		"user_id":    callerID,
		"imported":   result.Imported,
		"duplicates": result.Duplicates,
		"errors":     result.Errors,
	}).Info("inbox import finished")
	return result
}

// RecordDelivered applies a provider delivery receipt.
func (l *Lifecycle) RecordDelivered(ctx context.Context, providerMessageID string) (*models.Message, error) {
	msg, err := l.store.FindByProviderID(ctx, providerMessageID)
	if err != nil {
		return nil, err
	}
	return l.advance(ctx, msg, models.StatusDelivered)
}

// RecordOpened applies an open, usually from the tracking pixel.
func (l *Lifecycle) RecordOpened(ctx context.Context, messageID uint) (*models.Message, error) {
	msg, err := l.store.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return l.advance(ctx, msg, models.StatusOpened)
}

// RecordOpenedByProvider applies an open reported in a provider receipt.
func (l *Lifecycle) RecordOpenedByProvider(ctx context.Context, providerMessageID string) (*models.Message, error) {
	msg, err := l.store.FindByProviderID(ctx, providerMessageID)
	if err != nil {
		return nil, err
	}
	return l.advance(ctx, msg, models.StatusOpened)
}

func (l *Lifecycle) advance(ctx context.Context, msg *models.Message, to models.MessageStatus) (*models.Message, error) {
	updated, err := l.store.MarkStatus(ctx, msg.ID, to)
	if err != nil {
		return nil, err
	}
	l.events.Publish(Event{Type: EventMessageStatus, UserID: updated.UserID, MessageID: updated.ID, Status: updated.Status, At: l.clock.Now()})
	return updated, nil
}

// RecordProviderFailure fails a sent message the provider later bounced.
func (l *Lifecycle) RecordProviderFailure(ctx context.Context, providerMessageID, reason string) (*models.Message, error) {
	msg, err := l.store.FindByProviderID(ctx, providerMessageID)
	if err != nil {
		return nil, err
	}
	failed, err := l.store.transition(ctx, msg.ID, []models.MessageStatus{models.StatusSent}, models.StatusFailed,
		map[string]interface{}{"last_error": reason})
	if err != nil {
		return nil, err
	}
	l.events.Publish(Event{Type: EventMessageFailed, UserID: failed.UserID, MessageID: failed.ID, Status: failed.Status, At: l.clock.Now()})
	return failed, nil
}

func (l *Lifecycle) ListTasks(ctx context.Context, callerID uint, f TaskFilter) ([]models.Task, error) {
	return l.tasks.List(ctx, callerID, f)
}

func (l *Lifecycle) CompleteTask(ctx context.Context, callerID, id uint) (*models.Task, error) {
	return l.closeTask(ctx, callerID, id, false)
}

func (l *Lifecycle) SkipTask(ctx context.Context, callerID, id uint) (*models.Task, error) {
	return l.closeTask(ctx, callerID, id, true)
}

func (l *Lifecycle) closeTask(ctx context.Context, callerID, id uint, skipped bool) (*models.Task, error) {
	task, err := l.tasks.Close(ctx, callerID, id, skipped)
	if err != nil {
		return nil, err
	}
	l.events.Publish(Event{Type: EventTaskClosed, UserID: callerID, TaskID: task.ID, At: l.clock.Now()})
	return task, nil
}

// SendTaskFollowUp sends the follow-up a task reminds about and completes the
// task. If delivery fails the task stays open.
func (l *Lifecycle) SendTaskFollowUp(ctx context.Context, callerID, taskID uint, subject, body string) (*models.Message, *models.Task, error) {
	task, err := l.tasks.GetOwned(ctx, callerID, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Completed {
		return nil, nil, fmt.Errorf("task %d is already closed: %w", taskID, ErrInvalidTransition)
	}
	if task.MessageID == nil {
		return nil, nil, fmt.Errorf("task %d has no message to follow up: %w", taskID, ErrInvalidArgument)
	}
	parent, err := l.store.GetOwned(ctx, callerID, *task.MessageID)
	if err != nil {
		return nil, nil, err
	}

	recipientID := task.RecipientID
	if recipientID == nil {
		recipientID = parent.RecipientID
	}
	if recipientID == nil {
		return nil, nil, fmt.Errorf("task %d has no recipient: %w", taskID, ErrInvalidArgument)
	}
	recipient, err := l.directory.GetRecipient(ctx, *recipientID)
	if err != nil {
		return nil, nil, err
	}

	if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		defSubject, defBody := l.followUp(parent, recipient)
		if strings.TrimSpace(subject) == "" {
			subject = task.Metadata[models.MetaSuggestedSubject]
			if subject == "" {
				subject = defSubject
			}
		}
		if strings.TrimSpace(body) == "" {
			body = defBody
		}
	}

	parentID := parent.ID
	draft, err := l.store.CreateDraft(ctx, Draft{
		UserID:          callerID,
		RecipientID:     recipient.ID,
		ToAddress:       recipient.Email,
		Subject:         subject,
		Body:            body,
		IsFollowUp:      true,
		ParentMessageID: &parentID,
	})
	if err != nil {
		return nil, nil, err
	}

	sent, err := l.dispatch(ctx, draft, recipient, nil)
	if err != nil {
		return sent, task, err
	}
	closed, err := l.closeTask(ctx, callerID, taskID, false)
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return sent, task, err
	}
	if closed != nil {
		task = closed
	}
	return sent, task, nil
}
