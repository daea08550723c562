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
	"encoding/json"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Outbox entry lifecycle states. An entry is terminal at completed, failed or
// expired; only pending entries are eligible for claiming.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusCompleted  = "completed"
	OutboxStatusFailed     = "failed"
	OutboxStatusExpired    = "expired"
)

// OutboxEntry is a durable unit of work awaiting dispatch. Entries are created
// when a stage emits an event and are claimed by exactly one worker through a
// compare-and-swap on (status, version).
type OutboxEntry struct {
	ID               int64                  `json:"-"`
	EntryID          string                 `json:"entry_id"`
	IdempotencyKey   string                 `json:"idempotency_key"`
	AggregateType    string                 `json:"aggregate_type"`
	AggregateID      string                 `json:"aggregate_id"`
	EventType        string                 `json:"event_type"`
	DestinationQueue string                 `json:"destination_queue"`
	RoutingKey       string                 `json:"routing_key,omitempty"`
	Priority         int                    `json:"priority"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	Status           string                 `json:"status"`
	ScheduledAt      time.Time              `json:"scheduled_at"`
	NotBefore        time.Time              `json:"not_before"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
	Attempts         int                    `json:"attempts"`
	MaxAttempts      int                    `json:"max_attempts"`
	LastError        string                 `json:"last_error,omitempty"`
	ErrorCount       int                    `json:"error_count"`
	Version          int                    `json:"version"`
	CreatedAt        time.Time              `json:"created_at"`
	ProcessedAt      *time.Time             `json:"processed_at,omitempty"`
}

// Validate enforces the outbox invariants at insertion time:
// not_before <= scheduled_at, scheduled_at <= expires_at when set, and a
// priority in the 0-9 band.
func (e *OutboxEntry) Validate() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.IdempotencyKey, validation.Required),
		validation.Field(&e.AggregateType, validation.Required),
		validation.Field(&e.AggregateID, validation.Required),
		validation.Field(&e.EventType, validation.Required),
		validation.Field(&e.DestinationQueue, validation.Required),
		validation.Field(&e.Priority, validation.Min(0), validation.Max(9)),
		// Required keeps the zero value from slipping past Min, which skips
		// empty values.
		validation.Field(&e.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&e.ScheduledAt, validation.By(func(interface{}) error {
			if e.NotBefore.After(e.ScheduledAt) {
				return errors.New("not_before must not be after scheduled_at")
			}
			if e.ExpiresAt != nil && e.ScheduledAt.After(*e.ExpiresAt) {
				return errors.New("scheduled_at must not be after expires_at")
			}
			return nil
		})),
	)
}

// IsTerminal reports whether the entry can no longer transition.
func (e *OutboxEntry) IsTerminal() bool {
	return e.Status == OutboxStatusCompleted || e.Status == OutboxStatusFailed || e.Status == OutboxStatusExpired
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e *OutboxEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

func (e *OutboxEntry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DedupRecord pins a (dedupe_type, dedupe_key) pair to the entity that first
// produced it. Records are read-only after creation and are garbage collected
// once expires_at passes.
type DedupRecord struct {
	ID         int64     `json:"-"`
	DedupeType string    `json:"dedupe_type"`
	DedupeKey  string    `json:"dedupe_key"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (d *DedupRecord) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.DedupeType, validation.Required),
		validation.Field(&d.DedupeKey, validation.Required),
		validation.Field(&d.EntityType, validation.Required),
		validation.Field(&d.EntityID, validation.Required),
		validation.Field(&d.ExpiresAt, validation.Required),
	)
}
