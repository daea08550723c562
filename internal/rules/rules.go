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

// Package rules parses declarative publishing rules into a closed set of
// typed condition and action variants. Unknown kinds are rejected at load
// time, not at evaluation time.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sovani/crosspost/model"
)

type ConditionKind string

const (
	CondFieldEquals        ConditionKind = "field_equals"
	CondFieldContains      ConditionKind = "field_contains"
	CondLengthOver         ConditionKind = "length_over"
	CondLengthUnder        ConditionKind = "length_under"
	CondMediaTypeIs        ConditionKind = "media_type_is"
	CondAspectRatioOutside ConditionKind = "aspect_ratio_outside"
	CondHourOutsideWindow  ConditionKind = "hour_outside_window"
	CondHashtagCountOver   ConditionKind = "hashtag_count_over"
	CondDurationOver       ConditionKind = "duration_over"
)

type ActionKind string

const (
	ActionReject     ActionKind = "reject"
	ActionTranscode  ActionKind = "transcode"
	ActionReschedule ActionKind = "reschedule"
	ActionTruncate   ActionKind = "truncate"
)

// Condition is one parsed predicate. Only the fields relevant to its kind
// are populated.
type Condition struct {
	Kind        ConditionKind `json:"kind"`
	Field       string        `json:"field,omitempty"`
	Value       string        `json:"value,omitempty"`
	Threshold   float64       `json:"threshold,omitempty"`
	MinRatio    float64       `json:"min_ratio,omitempty"`
	MaxRatio    float64       `json:"max_ratio,omitempty"`
	WindowStart int           `json:"window_start,omitempty"`
	WindowEnd   int           `json:"window_end,omitempty"`
}

// Action is one parsed effect. reject short-circuits evaluation; the other
// kinds accumulate.
type Action struct {
	Kind         ActionKind `json:"kind"`
	Message      string     `json:"message,omitempty"`
	Profile      string     `json:"profile,omitempty"`
	Field        string     `json:"field,omitempty"`
	MaxLength    int        `json:"max_length,omitempty"`
	DelayMinutes int        `json:"delay_minutes,omitempty"`
}

// Rule is the evaluatable form of a stored publishing rule. All conditions
// must hold for the action to fire.
type Rule struct {
	Name       string
	Platform   string
	Priority   int
	Conditions []Condition
	Action     Action
}

var knownConditions = map[ConditionKind]bool{
	CondFieldEquals:        true,
	CondFieldContains:      true,
	CondLengthOver:         true,
	CondLengthUnder:        true,
	CondMediaTypeIs:        true,
	CondAspectRatioOutside: true,
	CondHourOutsideWindow:  true,
	CondHashtagCountOver:   true,
	CondDurationOver:       true,
}

var knownActions = map[ActionKind]bool{
	ActionReject:     true,
	ActionTranscode:  true,
	ActionReschedule: true,
	ActionTruncate:   true,
}

// Parse converts one stored rule into its typed form, rejecting unknown
// condition or action kinds.
func Parse(stored *model.PublishingRule) (*Rule, error) {
	var conditions []Condition
	if err := json.Unmarshal(stored.Conditions, &conditions); err != nil {
		return nil, fmt.Errorf("rule %s: invalid conditions: %w", stored.RuleName, err)
	}
	if len(conditions) == 0 {
		return nil, fmt.Errorf("rule %s: at least one condition is required", stored.RuleName)
	}
	for _, c := range conditions {
		if !knownConditions[c.Kind] {
			return nil, fmt.Errorf("rule %s: unknown condition kind %q", stored.RuleName, c.Kind)
		}
	}

	var action Action
	if err := json.Unmarshal(stored.Action, &action); err != nil {
		return nil, fmt.Errorf("rule %s: invalid action: %w", stored.RuleName, err)
	}
	if !knownActions[action.Kind] {
		return nil, fmt.Errorf("rule %s: unknown action kind %q", stored.RuleName, action.Kind)
	}

	return &Rule{
		Name:       stored.RuleName,
		Platform:   stored.Platform,
		Priority:   stored.Priority,
		Conditions: conditions,
		Action:     action,
	}, nil
}

// ParseAll parses every stored rule and returns them in evaluation order:
// priority ascending, ties broken by rule name.
func ParseAll(stored []*model.PublishingRule) ([]*Rule, error) {
	parsed := make([]*Rule, 0, len(stored))
	for _, s := range stored {
		r, err := Parse(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, r)
	}
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].Priority != parsed[j].Priority {
			return parsed[i].Priority < parsed[j].Priority
		}
		return parsed[i].Name < parsed[j].Name
	})
	return parsed, nil
}
