package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"athletereach/models"
	"athletereach/outreach"
	"athletereach/utils"
)

const (
	// first poll of a new mailbox looks back this far
	initialLookback = 14 * 24 * time.Hour
	// overlap with the previous poll; import is idempotent
	pollOverlap = time.Hour
)

// InboxWorker imports replies for every mailbox that can be polled.
type InboxWorker struct {
	db       *gorm.DB
	lc       *outreach.Lifecycle
	interval time.Duration
	logger   logrus.FieldLogger
}

func NewInboxWorker(db *gorm.DB, lc *outreach.Lifecycle, interval time.Duration, logger logrus.FieldLogger) *InboxWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &InboxWorker{
		db:       db,
		lc:       lc,
		interval: interval,
		logger:   logger.WithField("worker", "inbox"),
	}
}

func (iw *InboxWorker) Start(ctx context.Context) {
	iw.logger.WithField("interval", iw.interval.String()).Info("Inbox worker started")
	ticker := time.NewTicker(iw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			iw.RunOnce(ctx)
		case <-ctx.Done():
			iw.logger.Info("Stopping inbox worker...")
			return
		}
	}
}

// RunOnce polls each connected mailbox once and returns the combined result.
// A panic is logged and the ticker keeps going.
func (iw *InboxWorker) RunOnce(ctx context.Context) (total outreach.ImportResult) {
	defer func() {
		if r := recover(); r != nil {
			utils.LogError("inbox_worker_panic", fmt.Errorf("%v", r), nil)
		}
	}()

	var mailboxes []models.Mailbox
	err := iw.db.WithContext(ctx).
		Where("(imap_host IS NOT NULL AND imap_host != '') OR (oauth_token IS NOT NULL AND oauth_token != '') OR (oauth_refresh_token IS NOT NULL AND oauth_refresh_token != '')").
		Find(&mailboxes).Error
	if err != nil {
		utils.LogError("inbox_worker_mailboxes", err, nil)
		return outreach.ImportResult{}
	}

	now := iw.lc.Now()
	for _, mb := range mailboxes {
		if ctx.Err() != nil {
			break
		}

		since := now.Add(-initialLookback)
		if mb.LastSyncedAt != nil {
			since = mb.LastSyncedAt.Add(-pollOverlap)
		}

		result, err := iw.lc.ImportReplies(ctx, mb.UserID, since)
		if err != nil {
			iw.logger.WithError(err).WithField("user_id", mb.UserID).Warn("Inbox poll failed")
			continue
		}
		total.Imported += result.Imported
		total.Duplicates += result.Duplicates
		total.Errors += result.Errors
	}
	return total
}
