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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

var scheduleTestColumns = []string{
	"schedule_id", "name", "platforms", "cron_expression", "max_posts_per_day",
	"min_interval_minutes", "is_active", "last_run_at", "next_run_at", "created_at",
}

func newTestScheduler(t *testing.T, queues []config.SchedulerQueue) (*Scheduler, *Crosspost, sqlmock.Sqlmock, *MemorySink) {
	t.Helper()

	core, mock, sink := newTestCore(t)
	cnf, err := config.Fetch()
	assert.NoError(t, err)
	cnf.Scheduler = config.SchedulerConfig{TickIntervalMs: 10, BatchSize: 1, MaxWorkers: 1, Queues: queues}

	s, err := NewScheduler(core)
	assert.NoError(t, err)
	return s, core, mock, sink
}

func pendingPublishEntry(queue string) *model.OutboxEntry {
	return &model.OutboxEntry{
		EntryID:          "obx_ready",
		IdempotencyKey:   "key-obx_ready",
		AggregateType:    "post",
		AggregateID:      "pst_1",
		EventType:        EventTypePublish,
		DestinationQueue: queue,
		RoutingKey:       "telegram",
		Status:           model.OutboxStatusPending,
		Payload:          map[string]interface{}{"post_id": "pst_1", "platform": "telegram"},
		ScheduledAt:      time.Now().Add(-time.Minute),
		NotBefore:        time.Now().Add(-time.Minute),
		MaxAttempts:      5,
		CreatedAt:        time.Now(),
	}
}

func TestSchedulerSmoothWeightedRoundRobin(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, []config.SchedulerQueue{
		{Stage: model.StagePublishing, Platform: "telegram", Weight: 3, RequestsPerSecond: 1000, Burst: 1000},
		{Stage: model.StagePublishing, Platform: "vk", Weight: 1, RequestsPerSecond: 1000, Burst: 1000},
	})

	var order []string
	for i := 0; i < 4; i++ {
		order = append(order, s.nextQueue().platform)
	}
	// The low-weight queue is served inside the cycle, not starved to its end.
	assert.Equal(t, []string{"telegram", "telegram", "vk", "telegram"}, order)
}

func TestSchedulerTickDispatchesClaimedEntry(t *testing.T) {
	s, _, mock, _ := newTestScheduler(t, []config.SchedulerQueue{
		{Stage: model.StagePublishing, Platform: "telegram", Weight: 1, RequestsPerSecond: 1000, Burst: 1000},
	})

	queue := StageQueueName("crosspost:stage", model.StagePublishing, "telegram")
	entry := pendingPublishEntry(queue)

	mock.ExpectQuery("FROM schedules").
		WithArgs("telegram").
		WillReturnRows(sqlmock.NewRows(scheduleTestColumns))
	mock.ExpectBegin()
	mock.ExpectQuery("FROM outbox_entries").
		WithArgs(queue, 1).
		WillReturnRows(outboxEntryRow(entry))
	mock.ExpectExec("UPDATE outbox_entries").
		WithArgs("obx_ready", 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var dispatched []*model.OutboxEntry
	s.SetDispatchFunc(func(ctx context.Context, entry *model.OutboxEntry) error {
		dispatched = append(dispatched, entry)
		return nil
	})

	err := s.Tick(context.Background())
	assert.NoError(t, err)
	assert.Len(t, dispatched, 1)
	assert.Equal(t, "obx_ready", dispatched[0].EntryID)
	assert.Equal(t, model.OutboxStatusProcessing, dispatched[0].Status)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSchedulerEmptyTokenBucketDefersQueue(t *testing.T) {
	s, _, mock, _ := newTestScheduler(t, []config.SchedulerQueue{
		{Stage: model.StagePublishing, Platform: "telegram", Weight: 1, RequestsPerSecond: 0.001, Burst: 1},
	})

	// Drain the only token; the queue's entries must stay pending untouched.
	assert.True(t, s.queues[0].limiter.Allow())

	s.SetDispatchFunc(func(ctx context.Context, entry *model.OutboxEntry) error {
		t.Fatal("nothing should be dispatched from a dry queue")
		return nil
	})

	err := s.Tick(context.Background())
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSchedulerOpenBreakerSkipsQueue(t *testing.T) {
	s, core, mock, sink := newTestScheduler(t, []config.SchedulerQueue{
		{Stage: model.StagePublishing, Platform: "telegram", Weight: 1, RequestsPerSecond: 1000, Burst: 1000},
	})

	mock.ExpectExec("INSERT INTO circuit_breakers").
		WillReturnResult(sqlmock.NewResult(1, 1))
	for i := 0; i < 5; i++ {
		_ = core.breakers.Execute("telegram", func() error {
			return dispatcherror.Transient("boom")
		})
	}
	assert.Eventually(t, func() bool {
		return len(sink.EventsNamed(model.EventBreakerStateChanged)) == 1
	}, time.Second, 10*time.Millisecond)

	s.SetDispatchFunc(func(ctx context.Context, entry *model.OutboxEntry) error {
		t.Fatal("nothing should be dispatched while the breaker is open")
		return nil
	})

	err := s.Tick(context.Background())
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSchedulerDailyCapDefersQueue(t *testing.T) {
	s, _, mock, _ := newTestScheduler(t, []config.SchedulerQueue{
		{Stage: model.StagePublishing, Platform: "telegram", Weight: 1, RequestsPerSecond: 1000, Burst: 1000},
	})

	mock.ExpectQuery("FROM schedules").
		WithArgs("telegram").
		WillReturnRows(sqlmock.NewRows(scheduleTestColumns).
			AddRow("sch_1", "tg-daily", "{telegram}", nil, 1, 0, true, nil, nil, time.Now()))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("telegram", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	s.SetDispatchFunc(func(ctx context.Context, entry *model.OutboxEntry) error {
		t.Fatal("nothing should be dispatched past the daily cap")
		return nil
	})

	err := s.Tick(context.Background())
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSchedulerMinIntervalDefersQueue(t *testing.T) {
	s, _, mock, _ := newTestScheduler(t, []config.SchedulerQueue{
		{Stage: model.StagePublishing, Platform: "telegram", Weight: 1, RequestsPerSecond: 1000, Burst: 1000},
	})

	lastPublished := time.Now().Add(-10 * time.Minute)
	mock.ExpectQuery("FROM schedules").
		WithArgs("telegram").
		WillReturnRows(sqlmock.NewRows(scheduleTestColumns).
			AddRow("sch_1", "tg-spacing", "{telegram}", nil, 0, 60, true, nil, nil, time.Now()))
	mock.ExpectQuery("SELECT MAX").
		WithArgs("telegram").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(lastPublished))

	s.SetDispatchFunc(func(ctx context.Context, entry *model.OutboxEntry) error {
		t.Fatal("nothing should be dispatched inside the minimum interval")
		return nil
	})

	err := s.Tick(context.Background())
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSchedulerHandoffFailureReturnsClaim(t *testing.T) {
	s, core, mock, _ := newTestScheduler(t, []config.SchedulerQueue{
		{Stage: model.StagePublishing, Platform: "telegram", Weight: 1, RequestsPerSecond: 1000, Burst: 1000},
	})

	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	core.now = func() time.Time { return fixed }

	queue := StageQueueName("crosspost:stage", model.StagePublishing, "telegram")
	entry := pendingPublishEntry(queue)

	mock.ExpectQuery("FROM schedules").
		WithArgs("telegram").
		WillReturnRows(sqlmock.NewRows(scheduleTestColumns))
	mock.ExpectBegin()
	mock.ExpectQuery("FROM outbox_entries").
		WithArgs(queue, 1).
		WillReturnRows(outboxEntryRow(entry))
	mock.ExpectExec("UPDATE outbox_entries").
		WithArgs("obx_ready", 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	// The claim goes back to pending without consuming the attempt budget.
	mock.ExpectExec("UPDATE outbox_entries").
		WithArgs("obx_ready", fixed, "queue unavailable", 0, 1).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s.SetDispatchFunc(func(ctx context.Context, entry *model.OutboxEntry) error {
		return errors.New("queue unavailable")
	})

	err := s.Tick(context.Background())
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestNewSchedulerFallbackQueues(t *testing.T) {
	core, _, _ := newTestCore(t)
	cnf, err := config.Fetch()
	assert.NoError(t, err)
	cnf.Platforms = []string{"telegram", "vk"}
	cnf.Scheduler = config.SchedulerConfig{TickIntervalMs: 10, BatchSize: 10}

	s, err := NewScheduler(core)
	assert.NoError(t, err)

	var names []string
	for _, q := range s.queues {
		names = append(names, q.name)
	}
	assert.Equal(t, []string{
		"crosspost:stage:enriched",
		"crosspost:stage:captioned",
		"crosspost:stage:transcoded",
		"crosspost:stage:preflight_passed",
		"crosspost:stage:publishing:telegram",
		"crosspost:stage:publishing:vk",
	}, names)
}
