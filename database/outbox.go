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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

const outboxColumns = `entry_id, idempotency_key, aggregate_type, aggregate_id, event_type, destination_queue, routing_key, priority, payload, status, scheduled_at, not_before, expires_at, attempts, max_attempts, last_error, error_count, version, created_at, processed_at`

// CreateOutboxEntry inserts a new entry. When another entry already holds the
// idempotency key the insert is a no-op and the existing entry is returned
// with created=false; callers treat that as success.
func (d Datasource) CreateOutboxEntry(ctx context.Context, entry *model.OutboxEntry) (*model.OutboxEntry, bool, error) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "Saving outbox entry to db")
	defer span.End()

	if err := entry.Validate(); err != nil {
		return nil, false, dispatcherror.Validation(err.Error())
	}

	if entry.EntryID == "" {
		entry.EntryID = GenerateUUIDWithSuffix("obx")
	}
	if entry.Status == "" {
		entry.Status = model.OutboxStatusPending
	}

	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return nil, false, dispatcherror.Transient(fmt.Sprintf("failed to marshal payload: %v", err))
	}

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO outbox_entries (entry_id, idempotency_key, aggregate_type, aggregate_id, event_type, destination_queue, routing_key, priority, payload, status, scheduled_at, not_before, expires_at, max_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, entry.EntryID, entry.IdempotencyKey, entry.AggregateType, entry.AggregateID, entry.EventType, entry.DestinationQueue, entry.RoutingKey, entry.Priority, payloadJSON, entry.Status, entry.ScheduledAt, entry.NotBefore, entry.ExpiresAt, entry.MaxAttempts)
	if err != nil {
		return nil, false, dispatcherror.Transient(fmt.Sprintf("failed to insert outbox entry: %v", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}

	if rowsAffected == 0 {
		existing, err := d.GetOutboxEntryByKey(ctx, entry.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	return entry, true, nil
}

func (d Datasource) GetOutboxEntry(ctx context.Context, entryID string) (*model.OutboxEntry, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE entry_id = $1
	`, entryID)

	entry, err := scanOutboxEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dispatcherror.Validation(fmt.Sprintf("outbox entry with ID '%s' not found", entryID))
		}
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to retrieve outbox entry: %v", err))
	}
	return entry, nil
}

func (d Datasource) GetOutboxEntryByKey(ctx context.Context, idempotencyKey string) (*model.OutboxEntry, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE idempotency_key = $1
	`, idempotencyKey)

	entry, err := scanOutboxEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dispatcherror.Validation(fmt.Sprintf("outbox entry with idempotency key '%s' not found", idempotencyKey))
		}
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to retrieve outbox entry: %v", err))
	}
	return entry, nil
}

// ClaimReadyEntries selects ready pending entries and claims each through a
// compare-and-swap on (status, version). SKIP LOCKED keeps concurrent
// schedulers from scanning the same candidates; a lost CAS just drops the row
// from this batch. An empty queue claims across all destination queues.
func (d Datasource) ClaimReadyEntries(ctx context.Context, queue string, limit int) ([]*model.OutboxEntry, error) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "Claiming ready outbox entries")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to begin claim transaction: %v", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE status = 'pending'
		  AND not_before <= NOW()
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND ($1 = '' OR destination_queue = $1)
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, queue, limit)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to select ready entries: %v", err))
	}

	var candidates []*model.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			rows.Close()
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to scan outbox entry: %v", err))
		}
		candidates = append(candidates, entry)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("error iterating ready entries: %v", err))
	}

	var claimed []*model.OutboxEntry
	for _, entry := range candidates {
		result, err := tx.ExecContext(ctx, `
			UPDATE outbox_entries
			SET status = 'processing', version = version + 1, claimed_at = NOW()
			WHERE entry_id = $1 AND status = 'pending' AND version = $2
		`, entry.EntryID, entry.Version)
		if err != nil {
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to claim entry %s: %v", entry.EntryID, err))
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
		}
		if rowsAffected == 0 {
			continue
		}
		entry.Status = model.OutboxStatusProcessing
		entry.Version++
		claimed = append(claimed, entry)
	}

	if err = tx.Commit(); err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to commit claim transaction: %v", err))
	}
	return claimed, nil
}

// CompleteOutboxEntry marks a claimed entry completed. Only the worker holding
// the processing claim can complete it.
func (d Datasource) CompleteOutboxEntry(ctx context.Context, entryID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbox_entries
		SET status = 'completed', processed_at = NOW(), version = version + 1
		WHERE entry_id = $1 AND status = 'processing'
	`, entryID)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to complete outbox entry: %v", err))
	}
	return requireClaimed(result, entryID)
}

// RescheduleOutboxEntry returns a claimed entry to pending for a later
// attempt. Rate limit and circuit open deferrals pass consumeAttempt=false so
// the retry budget is preserved.
func (d Datasource) RescheduleOutboxEntry(ctx context.Context, entryID string, at time.Time, lastError string, consumeAttempt bool) error {
	attemptInc := 0
	if consumeAttempt {
		attemptInc = 1
	}
	errorInc := 0
	if lastError != "" {
		errorInc = 1
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbox_entries
		SET status = 'pending', scheduled_at = $2, not_before = $2, last_error = $3,
		    attempts = attempts + $4, error_count = error_count + $5,
		    claimed_at = NULL, version = version + 1
		WHERE entry_id = $1 AND status = 'processing'
	`, entryID, at, lastError, attemptInc, errorInc)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to reschedule outbox entry: %v", err))
	}
	return requireClaimed(result, entryID)
}

// MarkOutboxEntryFailed terminally fails a claimed entry after its last
// attempt.
func (d Datasource) MarkOutboxEntryFailed(ctx context.Context, entryID string, lastError string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbox_entries
		SET status = 'failed', last_error = $2, attempts = attempts + 1,
		    error_count = error_count + 1, processed_at = NOW(), version = version + 1
		WHERE entry_id = $1 AND status = 'processing'
	`, entryID, lastError)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to mark outbox entry failed: %v", err))
	}
	return requireClaimed(result, entryID)
}

// MarkOutboxEntryExpired terminally expires an entry whose TTL elapsed.
func (d Datasource) MarkOutboxEntryExpired(ctx context.Context, entryID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbox_entries
		SET status = 'expired', processed_at = NOW(), version = version + 1
		WHERE entry_id = $1 AND status IN ('pending', 'processing')
	`, entryID)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to mark outbox entry expired: %v", err))
	}
	return requireClaimed(result, entryID)
}

// RequeueStuckEntries returns processing entries whose claim outlived the
// visibility timeout to pending so another worker can pick them up. Returns
// the IDs of the requeued entries.
func (d Datasource) RequeueStuckEntries(ctx context.Context, olderThan time.Duration) ([]string, error) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "Requeuing stuck outbox entries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE outbox_entries
		SET status = 'pending', claimed_at = NULL, version = version + 1,
		    last_error = 'visibility timeout exceeded', error_count = error_count + 1
		WHERE status = 'processing' AND claimed_at < NOW() - ($1 * INTERVAL '1 second')
		RETURNING entry_id
	`, int64(olderThan.Seconds()))
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to requeue stuck entries: %v", err))
	}
	defer rows.Close()

	var entryIDs []string
	for rows.Next() {
		var entryID string
		if err := rows.Scan(&entryID); err != nil {
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to scan requeued entry: %v", err))
		}
		entryIDs = append(entryIDs, entryID)
	}
	if err = rows.Err(); err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("error iterating requeued entries: %v", err))
	}
	return entryIDs, nil
}

// SweepExpiredEntries expires pending entries whose TTL elapsed and returns
// them so the caller can emit outbox.expired events.
func (d Datasource) SweepExpiredEntries(ctx context.Context) ([]*model.OutboxEntry, error) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "Sweeping expired outbox entries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE outbox_entries
		SET status = 'expired', processed_at = NOW(), version = version + 1
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < NOW()
		RETURNING `+outboxColumns+`
	`)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to sweep expired entries: %v", err))
	}
	defer rows.Close()

	var expired []*model.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to scan expired entry: %v", err))
		}
		expired = append(expired, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("error iterating expired entries: %v", err))
	}
	return expired, nil
}

// DeleteOutboxEntriesOlderThan garbage collects terminal entries past the
// retention window.
func (d Datasource) DeleteOutboxEntriesOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM outbox_entries
		WHERE status IN ('completed', 'failed', 'expired')
		  AND created_at < NOW() - ($1 * INTERVAL '1 second')
	`, int64(retention.Seconds()))
	if err != nil {
		return 0, dispatcherror.Transient(fmt.Sprintf("failed to delete old outbox entries: %v", err))
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	return deleted, nil
}

// PendingOutboxCounts reports the pending depth per destination queue.
func (d Datasource) PendingOutboxCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT destination_queue, COUNT(*)
		FROM outbox_entries
		WHERE status = 'pending'
		GROUP BY destination_queue
	`)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to count pending entries: %v", err))
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var queue string
		var count int64
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to scan pending count: %v", err))
		}
		counts[queue] = count
	}
	if err = rows.Err(); err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("error iterating pending counts: %v", err))
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func requireClaimed(result sql.Result, entryID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	if rowsAffected == 0 {
		return dispatcherror.Validation(fmt.Sprintf("outbox entry '%s' is not in a claimable state", entryID))
	}
	return nil
}

func scanOutboxEntry(row rowScanner) (*model.OutboxEntry, error) {
	entry := &model.OutboxEntry{}
	var payloadJSON []byte
	var routingKey, lastError sql.NullString
	var expiresAt, processedAt sql.NullTime

	err := row.Scan(
		&entry.EntryID,
		&entry.IdempotencyKey,
		&entry.AggregateType,
		&entry.AggregateID,
		&entry.EventType,
		&entry.DestinationQueue,
		&routingKey,
		&entry.Priority,
		&payloadJSON,
		&entry.Status,
		&entry.ScheduledAt,
		&entry.NotBefore,
		&expiresAt,
		&entry.Attempts,
		&entry.MaxAttempts,
		&lastError,
		&entry.ErrorCount,
		&entry.Version,
		&entry.CreatedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.RoutingKey = routingKey.String
	entry.LastError = lastError.String
	if expiresAt.Valid {
		t := expiresAt.Time
		entry.ExpiresAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		entry.ProcessedAt = &t
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &entry.Payload); err != nil {
			return nil, err
		}
	}
	return entry, nil
}
