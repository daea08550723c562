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

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	module := "test_module"
	id := GenerateUUIDWithSuffix(module)
	assert.Contains(t, id, module+"_")
}

func validOutboxEntry() *OutboxEntry {
	now := time.Now()
	expires := now.Add(2 * time.Hour)
	return &OutboxEntry{
		EntryID:          "obx_1",
		IdempotencyKey:   "post:publish:abc",
		AggregateType:    "post",
		AggregateID:      "pst_1",
		EventType:        "post.publish",
		DestinationQueue: "crosspost:stage:publishing:telegram",
		Priority:         5,
		Status:           OutboxStatusPending,
		ScheduledAt:      now.Add(time.Hour),
		NotBefore:        now,
		ExpiresAt:        &expires,
		MaxAttempts:      5,
	}
}

func TestOutboxEntryValidate(t *testing.T) {
	entry := validOutboxEntry()
	assert.NoError(t, entry.Validate())

	entry = validOutboxEntry()
	entry.NotBefore = entry.ScheduledAt.Add(time.Minute)
	assert.Error(t, entry.Validate(), "not_before after scheduled_at must be rejected")

	entry = validOutboxEntry()
	late := entry.ScheduledAt.Add(-time.Minute)
	entry.ExpiresAt = &late
	assert.Error(t, entry.Validate(), "scheduled_at after expires_at must be rejected")

	entry = validOutboxEntry()
	entry.Priority = 10
	assert.Error(t, entry.Validate(), "priority outside the 0-9 band must be rejected")

	entry = validOutboxEntry()
	entry.IdempotencyKey = ""
	assert.Error(t, entry.Validate())

	entry = validOutboxEntry()
	entry.MaxAttempts = 0
	assert.Error(t, entry.Validate())
}

func TestOutboxEntryTerminalStates(t *testing.T) {
	entry := validOutboxEntry()
	for status, terminal := range map[string]bool{
		OutboxStatusPending:    false,
		OutboxStatusProcessing: false,
		OutboxStatusCompleted:  true,
		OutboxStatusFailed:     true,
		OutboxStatusExpired:    true,
	} {
		entry.Status = status
		assert.Equal(t, terminal, entry.IsTerminal(), "status %s", status)
	}
}

func TestOutboxEntryExpired(t *testing.T) {
	entry := validOutboxEntry()
	assert.False(t, entry.Expired(time.Now()))
	assert.True(t, entry.Expired(entry.ExpiresAt.Add(time.Second)))

	entry.ExpiresAt = nil
	assert.False(t, entry.Expired(time.Now().Add(24*time.Hour)), "entries without a TTL never expire")
}

func TestNextStage(t *testing.T) {
	assert.Equal(t, StageEnriched, NextStage(StageIngested))
	assert.Equal(t, StagePublishing, NextStage(StagePreflightPassed))
	assert.Equal(t, StagePublished, NextStage(StagePublishing))
	assert.Equal(t, "", NextStage(StagePublished))
	assert.Equal(t, "", NextStage("unknown"))
}

func TestPostValidate(t *testing.T) {
	post := &Post{
		SourcePlatform: "rss",
		Platforms:      []string{"telegram"},
		IdempotencyKey: "rss:tg:42",
		Priority:       5,
	}
	assert.NoError(t, post.Validate())

	post.Platforms = nil
	assert.Error(t, post.Validate(), "a post needs at least one target platform")

	post.Platforms = []string{"telegram"}
	post.Priority = -1
	assert.Error(t, post.Validate())
}

func TestPostIsTerminal(t *testing.T) {
	post := &Post{Status: PostStatusScheduled}
	assert.False(t, post.IsTerminal())

	for _, status := range []string{PostStatusPublished, PostStatusFailed, PostStatusCancelled} {
		post.Status = status
		assert.True(t, post.IsTerminal(), "status %s", status)
	}
}

func TestScheduleAppliesTo(t *testing.T) {
	schedule := &Schedule{Platforms: []string{"telegram", "vk"}}
	assert.True(t, schedule.AppliesTo("telegram"))
	assert.False(t, schedule.AppliesTo("instagram"))
}

func TestScheduleNextRun(t *testing.T) {
	after := time.Date(2025, 6, 15, 11, 30, 0, 0, time.UTC)

	schedule := &Schedule{CronExpression: "0 12 * * *"}
	next, err := schedule.NextRun(after)
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC), next)

	schedule.CronExpression = ""
	next, err = schedule.NextRun(after)
	assert.NoError(t, err)
	assert.True(t, next.IsZero())

	schedule.CronExpression = "not a cron"
	_, err = schedule.NextRun(after)
	assert.Error(t, err)
}

func TestScheduleMinInterval(t *testing.T) {
	schedule := &Schedule{MinIntervalMinutes: 45}
	assert.Equal(t, 45*time.Minute, schedule.MinInterval())
}

func TestDedupRecordValidate(t *testing.T) {
	record := &DedupRecord{
		DedupeType: "source_item",
		DedupeKey:  "rss:42",
		EntityType: "post",
		EntityID:   "pst_1",
		ExpiresAt:  time.Now().Add(24 * time.Hour),
	}
	assert.NoError(t, record.Validate())

	record.DedupeKey = ""
	assert.Error(t, record.Validate())
}
