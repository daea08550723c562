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
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// PublishingRule is the stored form of a preflight rule. Conditions and
// actions are kept as raw JSON in the database and parsed into typed variants
// at load time; see internal/rules.
type PublishingRule struct {
	ID            int64           `json:"-"`
	RuleID        string          `json:"rule_id"`
	RuleName      string          `json:"rule_name"`
	Platform      string          `json:"platform"`
	RuleType      string          `json:"rule_type"`
	Conditions    json.RawMessage `json:"conditions"`
	Action        json.RawMessage `json:"action"`
	Priority      int             `json:"priority"`
	IsActive      bool            `json:"is_active"`
	MatchCount    int64           `json:"match_count"`
	LastMatchedAt *time.Time      `json:"last_matched_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (r *PublishingRule) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.RuleName, validation.Required),
		validation.Field(&r.Platform, validation.Required),
		validation.Field(&r.Conditions, validation.Required),
		validation.Field(&r.Action, validation.Required),
	)
}
