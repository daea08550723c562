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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/model"
)

func TestStageQueueName(t *testing.T) {
	assert.Equal(t, "crosspost:stage:enriched", StageQueueName("crosspost:stage", model.StageEnriched, ""))
	assert.Equal(t, "crosspost:stage:publishing:telegram", StageQueueName("crosspost:stage", model.StagePublishing, "telegram"))
}

func TestDispatchQueueNamesFallback(t *testing.T) {
	cfg := &config.Configuration{Platforms: []string{"telegram", "vk"}}
	cfg.Queue.StageQueuePrefix = "crosspost:stage"

	assert.Equal(t, []string{
		"crosspost:stage:enriched",
		"crosspost:stage:captioned",
		"crosspost:stage:transcoded",
		"crosspost:stage:preflight_passed",
		"crosspost:stage:publishing:telegram",
		"crosspost:stage:publishing:vk",
	}, DispatchQueueNames(cfg))
}

func TestDispatchQueueNamesFromSchedulerConfig(t *testing.T) {
	cfg := &config.Configuration{
		Scheduler: config.SchedulerConfig{
			Queues: []config.SchedulerQueue{
				{Stage: model.StageCaptioned},
				{Stage: model.StagePublishing, Platform: "telegram"},
			},
		},
	}
	cfg.Queue.StageQueuePrefix = "crosspost:stage"

	assert.Equal(t, []string{
		"crosspost:stage:captioned",
		"crosspost:stage:publishing:telegram",
	}, DispatchQueueNames(cfg))
}

func TestEnqueueEntryCollapsesDuplicateHandoff(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Configuration{
		Redis:     config.RedisConfig{Dns: mr.Addr()},
		Platforms: []string{"telegram"},
	}
	config.MockConfig(cfg)

	q := NewQueue(cfg)
	entry := pendingPublishEntry(StageQueueName("crosspost:stage", model.StagePublishing, "telegram"))

	err := q.EnqueueEntry(context.Background(), entry)
	assert.NoError(t, err)

	// A replayed hand-off carries the same task ID and must collapse, not
	// run the stage twice.
	err = q.EnqueueEntry(context.Background(), entry)
	assert.NoError(t, err)

	assert.NotEmpty(t, mr.Keys())

	got, err := q.GetEntryFromQueue(entry.EntryID)
	assert.NoError(t, err)
	if got != nil {
		assert.Equal(t, entry.EntryID, got.EntryID)
		assert.Equal(t, entry.DestinationQueue, got.DestinationQueue)
	}
}

func TestEnqueueEntrySchedulesFutureNotBefore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Configuration{
		Redis:     config.RedisConfig{Dns: mr.Addr()},
		Platforms: []string{"telegram"},
	}
	config.MockConfig(cfg)

	q := NewQueue(cfg)
	entry := pendingPublishEntry(StageQueueName("crosspost:stage", model.StagePublishing, "telegram"))
	entry.NotBefore = time.Now().Add(time.Hour)

	assert.NoError(t, q.EnqueueEntry(context.Background(), entry))

	scheduled, err := q.Inspector.ListScheduledTasks(entry.DestinationQueue)
	assert.NoError(t, err)
	assert.Len(t, scheduled, 1)
}

func TestEnqueueEntryMeasuresDelayAgainstOwnClock(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Configuration{
		Redis:     config.RedisConfig{Dns: mr.Addr()},
		Platforms: []string{"telegram"},
	}
	config.MockConfig(cfg)

	q := NewQueue(cfg)
	// The queue's clock sits past the entry's dispatch floor, so the
	// hand-off is immediate even though not_before is in the wall clock's
	// future.
	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	entry := pendingPublishEntry(StageQueueName("crosspost:stage", model.StagePublishing, "telegram"))
	entry.NotBefore = time.Now().Add(time.Hour)

	assert.NoError(t, q.EnqueueEntry(context.Background(), entry))

	pending, err := q.Inspector.ListPendingTasks(entry.DestinationQueue)
	assert.NoError(t, err)
	assert.Len(t, pending, 1)
}
