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

// SaveBreakerSnapshot upserts a breaker snapshot keyed by service name. The
// registry persists on every state change so the health surface survives
// restarts.
func (d Datasource) SaveBreakerSnapshot(ctx context.Context, snapshot *model.BreakerSnapshot) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO circuit_breakers (service_name, state, failure_count, success_count, failure_threshold, success_threshold, recovery_timeout_seconds, total_requests, total_failures, avg_response_time_ms, last_failure_at, last_success_at, state_changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (service_name) DO UPDATE
		SET state = EXCLUDED.state,
		    failure_count = EXCLUDED.failure_count,
		    success_count = EXCLUDED.success_count,
		    failure_threshold = EXCLUDED.failure_threshold,
		    success_threshold = EXCLUDED.success_threshold,
		    recovery_timeout_seconds = EXCLUDED.recovery_timeout_seconds,
		    total_requests = EXCLUDED.total_requests,
		    total_failures = EXCLUDED.total_failures,
		    avg_response_time_ms = EXCLUDED.avg_response_time_ms,
		    last_failure_at = EXCLUDED.last_failure_at,
		    last_success_at = EXCLUDED.last_success_at,
		    state_changed_at = EXCLUDED.state_changed_at
	`, snapshot.ServiceName, snapshot.State, snapshot.FailureCount, snapshot.SuccessCount, snapshot.FailureThreshold, snapshot.SuccessThreshold, snapshot.RecoveryTimeout, snapshot.TotalRequests, snapshot.TotalFailures, snapshot.AvgResponseTimeMs, snapshot.LastFailureAt, snapshot.LastSuccessAt, snapshot.StateChangedAt)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to save breaker snapshot: %v", err))
	}
	return nil
}

func (d Datasource) GetBreakerSnapshots(ctx context.Context) ([]*model.BreakerSnapshot, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT service_name, state, failure_count, success_count, failure_threshold, success_threshold, recovery_timeout_seconds, total_requests, total_failures, avg_response_time_ms, last_failure_at, last_success_at, state_changed_at
		FROM circuit_breakers
		ORDER BY service_name ASC
	`)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to retrieve breaker snapshots: %v", err))
	}
	defer rows.Close()

	var snapshots []*model.BreakerSnapshot
	for rows.Next() {
		snapshot := &model.BreakerSnapshot{}
		var lastFailureAt, lastSuccessAt sql.NullTime
		err = rows.Scan(
			&snapshot.ServiceName,
			&snapshot.State,
			&snapshot.FailureCount,
			&snapshot.SuccessCount,
			&snapshot.FailureThreshold,
			&snapshot.SuccessThreshold,
			&snapshot.RecoveryTimeout,
			&snapshot.TotalRequests,
			&snapshot.TotalFailures,
			&snapshot.AvgResponseTimeMs,
			&lastFailureAt,
			&lastSuccessAt,
			&snapshot.StateChangedAt,
		)
		if err != nil {
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to scan breaker snapshot: %v", err))
		}
		if lastFailureAt.Valid {
			t := lastFailureAt.Time
			snapshot.LastFailureAt = &t
		}
		if lastSuccessAt.Valid {
			t := lastSuccessAt.Time
			snapshot.LastSuccessAt = &t
		}
		snapshots = append(snapshots, snapshot)
	}
	if err = rows.Err(); err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("error iterating breaker snapshots: %v", err))
	}
	return snapshots, nil
}
