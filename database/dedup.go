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
	"fmt"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

// CheckAndRecordDedup atomically records a (dedupe_type, dedupe_key) pair.
// When the pair is already held by an unexpired record the existing record is
// returned with created=false; an expired record is overwritten and reported
// as a fresh sighting even if the reaper has not swept it yet. The
// insert-or-fetch runs as one statement so two concurrent callers can never
// both see created=true.
func (d Datasource) CheckAndRecordDedup(ctx context.Context, record *model.DedupRecord) (*model.DedupRecord, bool, error) {
	if err := record.Validate(); err != nil {
		return nil, false, dispatcherror.Validation(err.Error())
	}

	var created bool
	err := d.Conn.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO dedup_records (dedupe_type, dedupe_key, entity_type, entity_id, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (dedupe_type, dedupe_key) DO UPDATE
			SET entity_type = EXCLUDED.entity_type,
			    entity_id = EXCLUDED.entity_id,
			    expires_at = EXCLUDED.expires_at
			WHERE dedup_records.expires_at < NOW()
			RETURNING entity_type, entity_id, expires_at, created_at, TRUE AS created
		)
		SELECT entity_type, entity_id, expires_at, created_at, created FROM inserted
		UNION ALL
		SELECT entity_type, entity_id, expires_at, created_at, FALSE AS created
		FROM dedup_records
		WHERE dedupe_type = $1 AND dedupe_key = $2 AND expires_at > NOW()
		LIMIT 1
	`, record.DedupeType, record.DedupeKey, record.EntityType, record.EntityID, record.ExpiresAt).Scan(
		&record.EntityType, &record.EntityID, &record.ExpiresAt, &record.CreatedAt, &created,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, dispatcherror.Transient("dedup check returned no row")
		}
		return nil, false, dispatcherror.Transient(fmt.Sprintf("failed to check dedup record: %v", err))
	}
	return record, created, nil
}

// DeleteExpiredDedupRecords garbage collects records past their TTL.
func (d Datasource) DeleteExpiredDedupRecords(ctx context.Context) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM dedup_records WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, dispatcherror.Transient(fmt.Sprintf("failed to delete expired dedup records: %v", err))
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	return deleted, nil
}
