package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"athletereach/outreach"
	"athletereach/utils"
)

// FollowUpWorker fires due follow-ups on a fixed interval.
type FollowUpWorker struct {
	lc       *outreach.Lifecycle
	interval time.Duration
	logger   logrus.FieldLogger
}

func NewFollowUpWorker(lc *outreach.Lifecycle, interval time.Duration, logger logrus.FieldLogger) *FollowUpWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &FollowUpWorker{
		lc:       lc,
		interval: interval,
		logger:   logger.WithField("worker", "followup"),
	}
}

func (fw *FollowUpWorker) Start(ctx context.Context) {
	fw.logger.WithField("interval", fw.interval.String()).Info("Follow-up worker started")

	ticker := time.NewTicker(fw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("Follow-up worker shutting down...")
			return
		case <-ticker.C:
			fw.RunOnce(ctx)
		}
	}
}

// RunOnce fires everything due now. A panic is reported and swallowed so the
// ticker keeps going.
func (fw *FollowUpWorker) RunOnce(ctx context.Context) (report outreach.FireReport) {
	defer func() {
		if r := recover(); r != nil {
			utils.LogError("followup_worker_panic", fmt.Errorf("%v", r), nil)
		}
	}()

	report, err := fw.lc.FireDueFollowUps(ctx, fw.lc.Now())
	if err != nil {
		utils.LogError("followup_fire", err, map[string]interface{}{"due": report.Due})
		return report
	}
	if report.Due > 0 {
		fw.logger.WithFields(logrus.Fields{
			"due":     report.Due,
			"sent":    report.Sent,
			"retried": report.Retried,
			"failed":  report.Failed,
			"skipped": report.Skipped,
		}).Info("Fired due follow-ups")
	}
	return report
}
