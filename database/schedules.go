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
	"time"

	"github.com/lib/pq"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

func (d Datasource) CreateSchedule(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error) {
	if schedule.ScheduleID == "" {
		schedule.ScheduleID = GenerateUUIDWithSuffix("sch")
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO schedules (schedule_id, name, platforms, cron_expression, max_posts_per_day, min_interval_minutes, is_active, next_run_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, schedule.ScheduleID, schedule.Name, pq.Array(schedule.Platforms), schedule.CronExpression, schedule.MaxPostsPerDay, schedule.MinIntervalMinutes, schedule.IsActive, schedule.NextRunAt)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to insert schedule: %v", err))
	}
	return schedule, nil
}

// GetActiveSchedules retrieves the active schedules constraining a platform.
func (d Datasource) GetActiveSchedules(ctx context.Context, platform string) ([]*model.Schedule, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT schedule_id, name, platforms, cron_expression, max_posts_per_day, min_interval_minutes, is_active, last_run_at, next_run_at, created_at
		FROM schedules
		WHERE is_active = TRUE AND $1 = ANY(platforms)
		ORDER BY created_at ASC
	`, platform)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to retrieve schedules: %v", err))
	}
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		schedule := &model.Schedule{}
		var cronExpression sql.NullString
		var lastRunAt, nextRunAt sql.NullTime
		err = rows.Scan(
			&schedule.ScheduleID,
			&schedule.Name,
			pq.Array(&schedule.Platforms),
			&cronExpression,
			&schedule.MaxPostsPerDay,
			&schedule.MinIntervalMinutes,
			&schedule.IsActive,
			&lastRunAt,
			&nextRunAt,
			&schedule.CreatedAt,
		)
		if err != nil {
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to scan schedule: %v", err))
		}
		schedule.CronExpression = cronExpression.String
		if lastRunAt.Valid {
			t := lastRunAt.Time
			schedule.LastRunAt = &t
		}
		if nextRunAt.Valid {
			t := nextRunAt.Time
			schedule.NextRunAt = &t
		}
		schedules = append(schedules, schedule)
	}
	if err = rows.Err(); err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("error iterating schedules: %v", err))
	}
	return schedules, nil
}

func (d Datasource) UpdateScheduleRun(ctx context.Context, scheduleID string, lastRun, nextRun time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_at = $2, next_run_at = $3
		WHERE schedule_id = $1
	`, scheduleID, lastRun, nextRun)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to update schedule run: %v", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	if rowsAffected == 0 {
		return dispatcherror.Validation(fmt.Sprintf("schedule with ID '%s' not found", scheduleID))
	}
	return nil
}
