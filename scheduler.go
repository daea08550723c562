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
	"golang.org/x/time/rate"

	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/database"
	redlock "github.com/sovani/crosspost/internal/lock"
	"github.com/sovani/crosspost/model"
)

// DispatchFunc hands a claimed entry off for execution. The default pushes
// the entry onto its asynq queue; tests inject their own.
type DispatchFunc func(ctx context.Context, entry *model.OutboxEntry) error

type schedulerQueue struct {
	name     string
	stage    string
	platform string
	weight   int
	current  int
	limiter  *rate.Limiter
}

// Scheduler drains the outbox: on each tick it walks the (stage, platform)
// queues with smooth weighted round-robin so low-weight queues are served
// eventually, gates each pick on the breaker, the queue's token bucket and
// the platform's schedule constraints, then claims and dispatches ready
// entries.
type Scheduler struct {
	core     *Crosspost
	queues   []*schedulerQueue
	total    int
	dispatch DispatchFunc
	lease    *redlock.Lease
	tick     time.Duration
	batch    int
}

// NewScheduler builds the scheduler from the loaded configuration. With no
// explicit queue configuration it serves one queue per intermediate stage
// plus one publishing queue per platform, all at equal weight.
func NewScheduler(c *Crosspost) (*Scheduler, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		core:  c,
		tick:  time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond,
		batch: cfg.Scheduler.BatchSize,
	}
	s.dispatch = func(ctx context.Context, entry *model.OutboxEntry) error {
		return c.queue.EnqueueEntry(ctx, entry)
	}
	if c.redis != nil {
		ttl := 2 * s.tick
		if ttl <= 0 {
			ttl = time.Minute
		}
		s.lease = redlock.NewLease(c.redis, "crosspost:scheduler:leader", database.GenerateUUIDWithSuffix("sched"), ttl)
	}

	if len(cfg.Scheduler.Queues) > 0 {
		for _, q := range cfg.Scheduler.Queues {
			s.addQueue(cfg, q.Stage, q.Platform, q.Weight, q.RequestsPerSecond, q.Burst)
		}
		return s, nil
	}

	for _, stage := range model.StageOrder {
		if stage == model.StageIngested || stage == model.StagePublished {
			continue
		}
		if stage == model.StagePublishing {
			for _, platform := range cfg.Platforms {
				s.addQueue(cfg, stage, platform, 1, 1, 2)
			}
			continue
		}
		s.addQueue(cfg, stage, "", 1, 10, 20)
	}
	return s, nil
}

func (s *Scheduler) addQueue(cfg *config.Configuration, stage, platform string, weight int, rps float64, burst int) {
	s.queues = append(s.queues, &schedulerQueue{
		name:     StageQueueName(cfg.Queue.StageQueuePrefix, stage, platform),
		stage:    stage,
		platform: platform,
		weight:   weight,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	})
	s.total += weight
}

// SetDispatchFunc overrides how claimed entries are handed off.
func (s *Scheduler) SetDispatchFunc(fn DispatchFunc) {
	s.dispatch = fn
}

// Start runs the tick loop until the context is cancelled. A redis leader
// lease keeps multiple scheduler instances from draining concurrently; a
// follower just skips the tick.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.lease != nil {
				if err := s.lease.Acquire(ctx); err != nil {
					continue
				}
			}
			if err := s.Tick(ctx); err != nil {
				logrus.WithError(err).Error("scheduler tick failed")
			}
			if s.lease != nil {
				if err := s.lease.Release(ctx); err != nil {
					logrus.WithError(err).Warn("could not release scheduler lease")
				}
			}
		}
	}
}

// Tick performs one scheduling pass: up to batch dispatches, each picked by
// weighted round-robin. A queue whose gate refuses leaves its entries
// untouched in pending; nothing is failed by scheduling pressure.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Scheduler tick")
	defer span.End()

	dispatched := 0
	// Each pass over the queue set gives every queue at most one shot; stop
	// when a full pass dispatches nothing.
	for dispatched < s.batch {
		progressed := false
		for range s.queues {
			q := s.nextQueue()
			if q == nil {
				return nil
			}
			ok, err := s.serveQueue(ctx, q)
			if err != nil {
				return err
			}
			if ok {
				progressed = true
				dispatched++
				if dispatched >= s.batch {
					break
				}
			}
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// nextQueue implements smooth weighted round-robin over the queue set.
func (s *Scheduler) nextQueue() *schedulerQueue {
	if len(s.queues) == 0 {
		return nil
	}
	var best *schedulerQueue
	for _, q := range s.queues {
		q.current += q.weight
		if best == nil || q.current > best.current {
			best = q
		}
	}
	best.current -= s.total
	return best
}

// serveQueue attempts one dispatch from the queue. Returns whether an entry
// was dispatched.
func (s *Scheduler) serveQueue(ctx context.Context, q *schedulerQueue) (bool, error) {
	if service := s.serviceFor(q); service != "" {
		if err := s.core.breakers.Allow(service); err != nil {
			return false, nil
		}
	}

	if !q.limiter.Allow() {
		// Bucket empty: the queue's entries stay pending untouched.
		return false, nil
	}

	if q.platform != "" {
		deferred, err := s.scheduleConstraintsViolated(ctx, q.platform)
		if err != nil {
			return false, err
		}
		if deferred {
			return false, nil
		}
	}

	entries, err := s.core.datasource.ClaimReadyEntries(ctx, q.name, 1)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	entry := entries[0]
	if err := s.dispatch(ctx, entry); err != nil {
		// Hand-off failed; return the claim so another tick retries.
		if rescheduleErr := s.core.datasource.RescheduleOutboxEntry(ctx, entry.EntryID, s.core.now(), err.Error(), false); rescheduleErr != nil {
			return false, rescheduleErr
		}
		return false, nil
	}
	return true, nil
}

// serviceFor maps a queue to the external service its work dispatches to,
// or "" when the stage has no external dependency to gate on.
func (s *Scheduler) serviceFor(q *schedulerQueue) string {
	if q.platform != "" {
		return q.platform
	}
	switch q.stage {
	case model.StageCaptioned:
		return ServiceCaptionGenerator
	case model.StageTranscoded:
		return ServiceMediaTranscoder
	}
	return ""
}

// scheduleConstraintsViolated reports whether the platform's schedules
// forbid publishing right now (daily cap reached or minimum spacing not yet
// elapsed). Violations defer; they never fail anything.
func (s *Scheduler) scheduleConstraintsViolated(ctx context.Context, platform string) (bool, error) {
	schedules, err := s.core.datasource.GetActiveSchedules(ctx, platform)
	if err != nil {
		return false, err
	}

	now := s.core.now()
	for _, schedule := range schedules {
		if schedule.MaxPostsPerDay > 0 {
			dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			count, err := s.core.datasource.CountPublishedSince(ctx, platform, dayStart)
			if err != nil {
				return false, err
			}
			if count >= int64(schedule.MaxPostsPerDay) {
				logrus.WithFields(logrus.Fields{
					"platform": platform,
					"schedule": schedule.Name,
				}).Debug("daily post cap reached, deferring")
				return true, nil
			}
		}

		if schedule.MinIntervalMinutes > 0 {
			last, err := s.core.datasource.LastPublishedAt(ctx, platform)
			if err != nil {
				return false, err
			}
			if last != nil && now.Before(last.Add(schedule.MinInterval())) {
				logrus.WithFields(logrus.Fields{
					"platform": platform,
					"schedule": schedule.Name,
				}).Debug("minimum posting interval not elapsed, deferring")
				return true, nil
			}
		}
	}
	return false, nil
}
