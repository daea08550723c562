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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sovani/crosspost/config"
	redis_db "github.com/sovani/crosspost/internal/redis-db"
	"github.com/sovani/crosspost/model"
)

// Queue wraps the asynq client the dispatch scheduler hands claimed outbox
// entries to, and the webhook sink delivers through.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector

	// now is the clock delayed deliveries are measured against, injectable
	// for tests.
	now func() time.Time
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
		now:       time.Now,
	}
}

// StageQueueName builds the logical queue name for a (stage, platform) pair.
// Stages before publishing share one queue per stage; publishing fans out to
// one queue per target platform.
func StageQueueName(prefix, stage, platform string) string {
	if platform == "" {
		return fmt.Sprintf("%s:%s", prefix, stage)
	}
	return fmt.Sprintf("%s:%s:%s", prefix, stage, platform)
}

// EnqueueEntry hands a claimed outbox entry to its destination queue. The
// task ID is the entry ID so a replayed hand-off collapses at the queue
// instead of running the stage twice.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - entry *model.OutboxEntry: The claimed entry to hand off.
//
// Returns:
// - error: An error if the entry could not be enqueued.
func (q *Queue) EnqueueEntry(ctx context.Context, entry *model.OutboxEntry) error {
	ctx, span := tracer.Start(ctx, "Adding outbox entry to dispatch queue")
	defer span.End()

	payload, err := entry.ToJSON()
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(entry.EntryID),
		asynq.Queue(entry.DestinationQueue),
	}
	if entry.NotBefore.After(q.now()) {
		taskOptions = append(taskOptions, asynq.ProcessAt(entry.NotBefore))
	}

	task := asynq.NewTask(entry.DestinationQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued outbox entry: %+v", entry.EntryID)
	return nil
}

// GetEntryFromQueue retrieves a pending outbox entry task by its ID, looking
// across every configured dispatch queue.
//
// Parameters:
// - entryID string: The ID of the entry to retrieve.
//
// Returns:
// - *model.OutboxEntry: A pointer to the entry if found.
// - error: An error if the entry could not be retrieved.
func (q *Queue) GetEntryFromQueue(entryID string) (*model.OutboxEntry, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	for _, queueName := range DispatchQueueNames(cfg) {
		task, err := q.Inspector.GetTaskInfo(queueName, entryID)
		if err == nil && task != nil {
			var entry model.OutboxEntry
			if err := json.Unmarshal(task.Payload, &entry); err != nil {
				return nil, err
			}
			return &entry, nil
		}
	}
	return nil, nil
}

// DispatchQueueNames lists every stage queue the scheduler drains into,
// derived from the scheduler queue configuration with a fallback to one
// queue per intermediate stage plus one publishing queue per platform.
func DispatchQueueNames(cfg *config.Configuration) []string {
	prefix := cfg.Queue.StageQueuePrefix

	if len(cfg.Scheduler.Queues) > 0 {
		names := make([]string, 0, len(cfg.Scheduler.Queues))
		for _, q := range cfg.Scheduler.Queues {
			names = append(names, StageQueueName(prefix, q.Stage, q.Platform))
		}
		return names
	}

	var names []string
	for _, stage := range model.StageOrder {
		if stage == model.StageIngested || stage == model.StagePublished {
			continue
		}
		if stage == model.StagePublishing {
			for _, platform := range cfg.Platforms {
				names = append(names, StageQueueName(prefix, stage, platform))
			}
			continue
		}
		names = append(names, StageQueueName(prefix, stage, ""))
	}
	return names
}
