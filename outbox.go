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
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

// EventRequest describes one unit of work to stage in the outbox.
type EventRequest struct {
	AggregateType    string
	AggregateID      string
	EventType        string
	DestinationQueue string
	RoutingKey       string
	Priority         int
	Payload          map[string]interface{}
	ScheduledAt      time.Time
	NotBefore        time.Time
	ExpiresAt        *time.Time
}

// IdempotencyKey computes the deterministic key for an event from its
// aggregate, event type and semantic payload hash. Two submissions of the
// same logical event always produce the same key.
func IdempotencyKey(aggregateType, aggregateID, eventType string, payload map[string]interface{}) string {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(aggregateType))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(aggregateID))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(eventType))
	_, _ = hasher.Write([]byte{0})
	// Map keys marshal in sorted order, so the hash is stable for
	// semantically identical payloads.
	payloadJSON, _ := json.Marshal(payload)
	_, _ = hasher.Write(payloadJSON)
	return fmt.Sprintf("%s:%s:%x", aggregateType, eventType, hasher.Sum64())
}

// EnqueueEvent stages a unit of work in the outbox. Re-submitting the same
// logical event returns the original entry with created=false; callers treat
// that as success.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - req EventRequest: The event to stage.
//
// Returns:
// - *model.OutboxEntry: The staged (or pre-existing) entry.
// - bool: Whether a new entry was created.
// - error: An error if staging fails.
func (c *Crosspost) EnqueueEvent(ctx context.Context, req EventRequest) (*model.OutboxEntry, bool, error) {
	ctx, span := tracer.Start(ctx, "Staging event in outbox")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, false, err
	}

	now := c.now()
	if req.ScheduledAt.IsZero() {
		req.ScheduledAt = now
	}
	if req.NotBefore.IsZero() {
		req.NotBefore = req.ScheduledAt
	}

	entry := &model.OutboxEntry{
		IdempotencyKey:   IdempotencyKey(req.AggregateType, req.AggregateID, req.EventType, req.Payload),
		AggregateType:    req.AggregateType,
		AggregateID:      req.AggregateID,
		EventType:        req.EventType,
		DestinationQueue: req.DestinationQueue,
		RoutingKey:       req.RoutingKey,
		Priority:         req.Priority,
		Payload:          req.Payload,
		Status:           model.OutboxStatusPending,
		ScheduledAt:      req.ScheduledAt,
		NotBefore:        req.NotBefore,
		ExpiresAt:        req.ExpiresAt,
		MaxAttempts:      cfg.Outbox.MaxAttempts,
		CreatedAt:        now,
	}

	staged, created, err := c.datasource.CreateOutboxEntry(ctx, entry)
	if err != nil {
		return nil, false, err
	}
	if !created {
		log.Printf(" [*] Duplicate event collapsed onto outbox entry: %s", staged.EntryID)
	}
	return staged, created, nil
}

// CheckAndRecordDedup records the first sighting of a dedup key, or returns
// the entity that originally produced it. The redis cache absorbs repeat
// sightings before they reach the table.
//
// Returns the winning (entity_type, entity_id) and whether this call was the
// first sighting.
func (c *Crosspost) CheckAndRecordDedup(ctx context.Context, dedupeType, dedupeKey, entityType, entityID string) (string, string, bool, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return "", "", false, err
	}
	ttl := time.Duration(cfg.Outbox.DedupTTLDays) * 24 * time.Hour

	cacheKey := fmt.Sprintf("dedup:%s:%s", dedupeType, dedupeKey)
	if c.cache != nil {
		var cached model.DedupRecord
		if err := c.cache.Get(ctx, cacheKey, &cached); err == nil && cached.EntityID != "" {
			if cached.ExpiresAt.After(c.now()) {
				return cached.EntityType, cached.EntityID, false, nil
			}
		}
	}

	record := &model.DedupRecord{
		DedupeType: dedupeType,
		DedupeKey:  dedupeKey,
		EntityType: entityType,
		EntityID:   entityID,
		ExpiresAt:  c.now().Add(ttl),
	}
	stored, created, err := c.datasource.CheckAndRecordDedup(ctx, record)
	if err != nil {
		return "", "", false, err
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, stored, time.Until(stored.ExpiresAt)); err != nil {
			log.Printf("Failed to cache dedup record: %v", err)
		}
	}
	return stored.EntityType, stored.EntityID, created, nil
}

// retryDelay computes the backoff before attempt n+1: base * 2^attempts,
// capped. No jitter, so the delays stay reproducible with a fixed clock.
func retryDelay(cfg *config.Configuration, attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.Outbox.RetryBaseSeconds) * time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = time.Duration(cfg.Outbox.RetryCapSeconds) * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = bo.NextBackOff()
	}
	cap := time.Duration(cfg.Outbox.RetryCapSeconds) * time.Second
	if delay > cap {
		delay = cap
	}
	return delay
}

// ResolveDispatchOutcome applies the outcome transition table to a claimed
// entry:
//
//	success / duplicate      -> completed
//	validation               -> failed (non-retriable)
//	expired                  -> expired, outbox.expired event
//	rate limit / open breaker -> pending, retry budget untouched
//	transient                -> pending with exponential backoff, or failed
//	                            once the attempt budget is spent
func (c *Crosspost) ResolveDispatchOutcome(ctx context.Context, entry *model.OutboxEntry, dispatchErr error) error {
	ctx, span := tracer.Start(ctx, "Resolving dispatch outcome")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	if dispatchErr == nil {
		return c.datasource.CompleteOutboxEntry(ctx, entry.EntryID)
	}

	now := c.now()
	switch dispatcherror.CodeOf(dispatchErr) {
	case dispatcherror.ErrDuplicateEvent:
		// Already done by an earlier delivery; nothing to redo.
		return c.datasource.CompleteOutboxEntry(ctx, entry.EntryID)

	case dispatcherror.ErrValidation:
		if err := c.datasource.MarkOutboxEntryFailed(ctx, entry.EntryID, dispatchErr.Error()); err != nil {
			return err
		}
		c.notifyEntryTerminal(entry, model.OutboxStatusFailed, dispatchErr.Error())
		return nil

	case dispatcherror.ErrExpiredEntry:
		if err := c.datasource.MarkOutboxEntryExpired(ctx, entry.EntryID); err != nil {
			return err
		}
		c.notifyEntryTerminal(entry, model.OutboxStatusExpired, dispatchErr.Error())
		return nil

	case dispatcherror.ErrRateLimit:
		delay := dispatcherror.RetryAfterHint(dispatchErr)
		if delay <= 0 {
			delay = time.Duration(cfg.Outbox.RetryBaseSeconds) * time.Second
		}
		return c.datasource.RescheduleOutboxEntry(ctx, entry.EntryID, now.Add(delay), dispatchErr.Error(), false)

	case dispatcherror.ErrCircuitOpen:
		delay := time.Duration(cfg.Breaker.RecoveryTimeoutSec) * time.Second
		return c.datasource.RescheduleOutboxEntry(ctx, entry.EntryID, now.Add(delay), dispatchErr.Error(), false)

	default: // transient
		if entry.Attempts+1 >= entry.MaxAttempts {
			if err := c.datasource.MarkOutboxEntryFailed(ctx, entry.EntryID, dispatchErr.Error()); err != nil {
				return err
			}
			c.notifyEntryTerminal(entry, model.OutboxStatusFailed, dispatchErr.Error())
			return nil
		}
		delay := retryDelay(cfg, entry.Attempts)
		return c.datasource.RescheduleOutboxEntry(ctx, entry.EntryID, now.Add(delay), dispatchErr.Error(), true)
	}
}

func (c *Crosspost) notifyEntryTerminal(entry *model.OutboxEntry, status, reason string) {
	event := model.EventOutboxExpired
	if status == model.OutboxStatusFailed {
		event = model.EventPostFailed
	}
	c.notify(model.LifecycleEvent{
		Event:      event,
		EntityType: entry.AggregateType,
		EntityID:   entry.AggregateID,
		Platform:   entry.RoutingKey,
		Detail: map[string]interface{}{
			"entry_id":   entry.EntryID,
			"event_type": entry.EventType,
			"status":     status,
			"reason":     reason,
		},
		OccurredAt: c.now(),
	})
}
