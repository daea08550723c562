/*
Copyright 2025 Crosspost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package crosspost

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/model"
)

// Reaper is the outbox janitor: it returns entries stuck in processing to
// pending once their visibility timeout lapses, expires entries past their
// deadline, prunes terminal entries and stale dedup records, and keeps
// schedule run bookkeeping current.
type Reaper struct {
	core     *Crosspost
	interval time.Duration
}

// NewReaper builds the reaper. It runs a maintenance sweep at half the
// visibility timeout, so a crashed worker's claim is recovered within at
// most 1.5 timeouts.
func NewReaper(c *Crosspost) (*Reaper, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	interval := time.Duration(cfg.Outbox.VisibilityTimeoutSec) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &Reaper{core: c, interval: interval}, nil
}

// Start runs maintenance sweeps until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				logrus.WithError(err).Error("outbox maintenance sweep failed")
			}
		}
	}
}

// Sweep performs one maintenance pass. Each step is independent; a failing
// step is logged and the rest still run.
func (r *Reaper) Sweep(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Outbox maintenance sweep")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	if err := r.RequeueStuck(ctx, cfg); err != nil {
		logrus.WithError(err).Error("could not requeue stuck entries")
	}
	if err := r.SweepExpired(ctx); err != nil {
		logrus.WithError(err).Error("could not sweep expired entries")
	}
	if err := r.Prune(ctx, cfg); err != nil {
		logrus.WithError(err).Error("could not prune old records")
	}
	if err := r.touchSchedules(ctx, cfg); err != nil {
		logrus.WithError(err).Error("could not update schedule runs")
	}
	return nil
}

// RequeueStuck returns entries whose claim outlived the visibility timeout
// to pending. The interrupted attempt consumes retry budget, so a worker
// that repeatedly dies mid-entry cannot loop forever.
func (r *Reaper) RequeueStuck(ctx context.Context, cfg *config.Configuration) error {
	requeued, err := r.core.datasource.RequeueStuckEntries(ctx, time.Duration(cfg.Outbox.VisibilityTimeoutSec)*time.Second)
	if err != nil {
		return err
	}
	if len(requeued) > 0 {
		logrus.WithFields(logrus.Fields{
			"count": len(requeued),
		}).Warn("requeued entries stuck past visibility timeout")
	}
	return nil
}

// SweepExpired marks every pending entry past its expires_at as expired and
// emits an expiry event per entry.
func (r *Reaper) SweepExpired(ctx context.Context) error {
	expired, err := r.core.datasource.SweepExpiredEntries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range expired {
		r.core.notifyEntryTerminal(entry, model.OutboxStatusExpired, "delivery window closed before dispatch")
	}
	return nil
}

// Prune deletes terminal outbox entries older than the retention window and
// dedup records past their TTL.
func (r *Reaper) Prune(ctx context.Context, cfg *config.Configuration) error {
	retention := time.Duration(cfg.Outbox.RetentionDays) * 24 * time.Hour
	deleted, err := r.core.datasource.DeleteOutboxEntriesOlderThan(ctx, retention)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logrus.WithFields(logrus.Fields{"count": deleted}).Info("pruned terminal outbox entries")
	}

	dedupDeleted, err := r.core.datasource.DeleteExpiredDedupRecords(ctx)
	if err != nil {
		return err
	}
	if dedupDeleted > 0 {
		logrus.WithFields(logrus.Fields{"count": dedupDeleted}).Info("pruned expired dedup records")
	}
	return nil
}

// touchSchedules advances next_run_at for cron-bearing schedules whose next
// run time has passed.
func (r *Reaper) touchSchedules(ctx context.Context, cfg *config.Configuration) error {
	now := r.core.now()
	for _, platform := range cfg.Platforms {
		schedules, err := r.core.datasource.GetActiveSchedules(ctx, platform)
		if err != nil {
			return err
		}
		for _, schedule := range schedules {
			if schedule.CronExpression == "" {
				continue
			}
			if schedule.NextRunAt != nil && schedule.NextRunAt.After(now) {
				continue
			}
			next, err := schedule.NextRun(now)
			if err != nil {
				logrus.WithError(err).WithField("schedule", schedule.Name).Warn("invalid cron expression")
				continue
			}
			if err := r.core.datasource.UpdateScheduleRun(ctx, schedule.ScheduleID, now, next); err != nil {
				return err
			}
		}
	}
	return nil
}
