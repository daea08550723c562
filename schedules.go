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

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

// CreateSchedule validates and stores a posting schedule. A cron expression,
// when present, must parse; the computed next run time is stored with the
// schedule so the scheduler never re-parses on the hot path.
func (c *Crosspost) CreateSchedule(ctx context.Context, schedule *model.Schedule) (*model.Schedule, error) {
	ctx, span := tracer.Start(ctx, "Creating schedule")
	defer span.End()

	err := validation.ValidateStruct(schedule,
		validation.Field(&schedule.Name, validation.Required),
		validation.Field(&schedule.Platforms, validation.Required, validation.Length(1, 0)),
		validation.Field(&schedule.MaxPostsPerDay, validation.Min(0)),
		validation.Field(&schedule.MinIntervalMinutes, validation.Min(0)),
	)
	if err != nil {
		return nil, dispatcherror.Validation(err.Error())
	}

	if schedule.CronExpression != "" {
		next, err := schedule.NextRun(c.now())
		if err != nil {
			return nil, dispatcherror.Validation(err.Error())
		}
		schedule.NextRunAt = &next
	}
	return c.datasource.CreateSchedule(ctx, schedule)
}

// ActiveSchedules returns the schedules currently constraining a platform.
func (c *Crosspost) ActiveSchedules(ctx context.Context, platform string) ([]*model.Schedule, error) {
	return c.datasource.GetActiveSchedules(ctx, platform)
}
