package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"crmpulse/services"
)

// Syncer runs one pass over every active integration.
type Syncer interface {
	SyncAll(ctx context.Context, trigger string) ([]services.SyncOutcome, error)
}

// SyncWorker triggers incremental syncs on a fixed interval.
type SyncWorker struct {
	Sync     Syncer
	Interval time.Duration
	// StartDelay lets the server come up before the first pass.
	StartDelay time.Duration
	Logger     *logrus.Entry
}

func NewSyncWorker(sync Syncer, interval time.Duration, logger *logrus.Entry) *SyncWorker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &SyncWorker{
		Sync:       sync,
		Interval:   interval,
		StartDelay: 10 * time.Second,
		Logger:     logger.WithField("worker", "sync"),
	}
}

func (sw *SyncWorker) Start(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(sw.StartDelay):
	}

	sw.Logger.WithField("interval", sw.Interval).Info("sync worker started")
	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.Logger.Info("sync worker shutting down")
			return
		case <-ticker.C:
			sw.runOnce(ctx)
		}
	}
}

func (sw *SyncWorker) runOnce(ctx context.Context) {
	started := time.Now()
	outcomes, err := sw.Sync.SyncAll(ctx, services.TriggerScheduled)
	if err != nil {
		sw.Logger.WithError(err).Error("scheduled sync failed")
		return
	}
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
			sw.Logger.WithFields(logrus.Fields{
				"integration_id": o.IntegrationID,
				"provider":       o.Provider,
			}).Warn("integration sync failed: " + o.Error)
		}
	}
	sw.Logger.WithFields(logrus.Fields{
		"integrations": len(outcomes),
		"failed":       failed,
		"took":         time.Since(started).Round(time.Millisecond),
	}).Info("scheduled sync finished")
}
