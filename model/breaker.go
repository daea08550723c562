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

import "time"

// Circuit breaker states as exposed on the health surface.
const (
	BreakerStateClosed   = "closed"
	BreakerStateOpen     = "open"
	BreakerStateHalfOpen = "half_open"
)

// BreakerSnapshot is a point-in-time view of one service breaker, persisted
// by the registry on state changes and queried independently of any item's
// outcome.
type BreakerSnapshot struct {
	ServiceName       string     `json:"service_name"`
	State             string     `json:"state"`
	FailureCount      uint32     `json:"failure_count"`
	SuccessCount      uint32     `json:"success_count"`
	FailureThreshold  uint32     `json:"failure_threshold"`
	SuccessThreshold  uint32     `json:"success_threshold"`
	RecoveryTimeout   int        `json:"recovery_timeout_seconds"`
	TotalRequests     int64      `json:"total_requests"`
	TotalFailures     int64      `json:"total_failures"`
	AvgResponseTimeMs float64    `json:"avg_response_time_ms"`
	LastFailureAt     *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	StateChangedAt    time.Time  `json:"state_changed_at"`
}
