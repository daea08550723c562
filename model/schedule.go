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
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule constrains how often a platform may be published to. The
// dispatch scheduler defers entries that would violate these limits rather
// than failing them.
type Schedule struct {
	ID                 int64      `json:"-"`
	ScheduleID         string     `json:"schedule_id"`
	Name               string     `json:"name"`
	Platforms          []string   `json:"platforms"`
	CronExpression     string     `json:"cron_expression,omitempty"`
	MaxPostsPerDay     int        `json:"max_posts_per_day"`
	MinIntervalMinutes int        `json:"min_interval_minutes"`
	IsActive           bool       `json:"is_active"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	NextRunAt          *time.Time `json:"next_run_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// AppliesTo reports whether the schedule constrains the given platform.
func (s *Schedule) AppliesTo(platform string) bool {
	for _, p := range s.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// NextRun computes the next run time from the cron expression, or zero time
// when no expression is configured.
func (s *Schedule) NextRun(after time.Time) (time.Time, error) {
	if s.CronExpression == "" {
		return time.Time{}, nil
	}
	spec, err := cron.ParseStandard(s.CronExpression)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(after), nil
}

// MinInterval returns the minimum spacing between posts as a duration.
func (s *Schedule) MinInterval() time.Duration {
	return time.Duration(s.MinIntervalMinutes) * time.Minute
}
