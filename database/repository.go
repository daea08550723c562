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

package database

import (
	"context"
	"time"

	"github.com/sovani/crosspost/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	outbox         // Interface for outbox entry operations
	dedup          // Interface for the dedup index
	post           // Interface for post-related operations
	publishResult  // Interface for publish result operations
	publishingRule // Interface for rule storage operations
	schedule       // Interface for schedule operations
	breaker        // Interface for breaker snapshot operations
}

// outbox defines methods for handling outbox entries.
type outbox interface {
	CreateOutboxEntry(ctx context.Context, entry *model.OutboxEntry) (*model.OutboxEntry, bool, error)         // Inserts an entry; returns the existing one with created=false on an idempotency conflict
	GetOutboxEntry(ctx context.Context, entryID string) (*model.OutboxEntry, error)                            // Retrieves an entry by ID
	GetOutboxEntryByKey(ctx context.Context, idempotencyKey string) (*model.OutboxEntry, error)                // Retrieves an entry by idempotency key
	ClaimReadyEntries(ctx context.Context, queue string, limit int) ([]*model.OutboxEntry, error)              // Claims ready entries via CAS; empty queue claims across all queues
	CompleteOutboxEntry(ctx context.Context, entryID string) error                                             // Marks a claimed entry completed
	RescheduleOutboxEntry(ctx context.Context, entryID string, at time.Time, lastError string, consumeAttempt bool) error // Returns a claimed entry to pending for a later attempt
	MarkOutboxEntryFailed(ctx context.Context, entryID string, lastError string) error                         // Terminally fails a claimed entry
	MarkOutboxEntryExpired(ctx context.Context, entryID string) error                                          // Terminally expires a claimed entry
	RequeueStuckEntries(ctx context.Context, olderThan time.Duration) ([]string, error)                        // Returns processing entries whose claim outlived the visibility timeout to pending
	SweepExpiredEntries(ctx context.Context) ([]*model.OutboxEntry, error)                                     // Expires pending entries past their TTL and returns them
	DeleteOutboxEntriesOlderThan(ctx context.Context, retention time.Duration) (int64, error)                  // Garbage collects terminal entries past the retention window
	PendingOutboxCounts(ctx context.Context) (map[string]int64, error)                                         // Pending depth per destination queue
}

// dedup defines methods for the dedup index.
type dedup interface {
	CheckAndRecordDedup(ctx context.Context, record *model.DedupRecord) (*model.DedupRecord, bool, error) // Atomically records the pair or returns the existing record with created=false
	DeleteExpiredDedupRecords(ctx context.Context) (int64, error)                                         // Garbage collects expired records
}

// post defines methods for handling posts.
type post interface {
	CreatePost(ctx context.Context, post *model.Post) (*model.Post, bool, error)                                              // Inserts a post; returns the existing one with created=false on an idempotency conflict
	GetPost(ctx context.Context, postID string) (*model.Post, error)                                                          // Retrieves a post by ID
	AdvancePostStage(ctx context.Context, postID, fromStage, toStage string, stageData map[string]interface{}) error          // Moves a post one stage forward, guarded on the current stage
	UpdatePostStatus(ctx context.Context, postID string, status string) error                                                 // Updates the post status
	UpdatePostCaption(ctx context.Context, postID, caption string, hashtags []string) error                                   // Stores the generated caption and hashtags
	AddPostRenditions(ctx context.Context, postID string, renditions []model.Rendition) error                                 // Appends transcoded renditions
	MarkPostPublished(ctx context.Context, postID string, publishedAt time.Time) error                                        // Marks the post published
	MarkPostFailed(ctx context.Context, postID string, lastError string) error                                                // Terminally fails the post
	IncrementPostRetry(ctx context.Context, postID string, lastError string) error                                            // Bumps the retry counter after a failed attempt
}

// publishResult defines methods for per-platform publish outcomes.
type publishResult interface {
	RecordPublishResult(ctx context.Context, result *model.PublishResult) (*model.PublishResult, error) // Upserts the (post, platform) result; successful results are immutable
	GetPublishResults(ctx context.Context, postID string) ([]*model.PublishResult, error)               // Retrieves all results for a post
	CountPublishedSince(ctx context.Context, platform string, since time.Time) (int64, error)           // Counts successful publishes to a platform since an instant
	LastPublishedAt(ctx context.Context, platform string) (*time.Time, error)                           // Timestamp of the most recent successful publish to a platform
}

// publishingRule defines methods for rule storage.
type publishingRule interface {
	CreatePublishingRule(ctx context.Context, rule *model.PublishingRule) (*model.PublishingRule, error) // Stores a new rule
	GetActiveRules(ctx context.Context, platform string) ([]*model.PublishingRule, error)                // Retrieves active rules for a platform ordered by priority
	RecordRuleMatches(ctx context.Context, ruleIDs []string) error                                       // Bumps match counters for the rules that fired
	SetRuleActive(ctx context.Context, ruleID string, active bool) error                                 // Toggles a rule
}

// schedule defines methods for schedule storage.
type schedule interface {
	CreateSchedule(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error) // Stores a new schedule
	GetActiveSchedules(ctx context.Context, platform string) ([]*model.Schedule, error)    // Retrieves active schedules constraining a platform
	UpdateScheduleRun(ctx context.Context, scheduleID string, lastRun, nextRun time.Time) error
}

// breaker defines methods for persisting breaker snapshots.
type breaker interface {
	SaveBreakerSnapshot(ctx context.Context, snapshot *model.BreakerSnapshot) error // Upserts the snapshot keyed by service name
	GetBreakerSnapshots(ctx context.Context) ([]*model.BreakerSnapshot, error)      // Retrieves all persisted snapshots
}
