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

package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sovani/crosspost/model"
)

func storedRule(name string, priority int, conditions, action string) *model.PublishingRule {
	return &model.PublishingRule{
		RuleID:     "rul_" + name,
		RuleName:   name,
		Platform:   "telegram",
		Priority:   priority,
		IsActive:   true,
		Conditions: json.RawMessage(conditions),
		Action:     json.RawMessage(action),
	}
}

func TestParseRejectsUnknownConditionKind(t *testing.T) {
	_, err := Parse(storedRule("bad-cond", 0,
		`[{"kind": "sentiment_negative"}]`,
		`{"kind": "reject", "message": "nope"}`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown condition kind")
}

func TestParseRejectsUnknownActionKind(t *testing.T) {
	_, err := Parse(storedRule("bad-action", 0,
		`[{"kind": "length_over", "field": "caption", "threshold": 100}]`,
		`{"kind": "shadowban"}`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action kind")
}

func TestParseRequiresAtLeastOneCondition(t *testing.T) {
	_, err := Parse(storedRule("empty", 0, `[]`, `{"kind": "reject"}`))
	assert.Error(t, err)
}

func TestParseAllOrdersByPriorityThenName(t *testing.T) {
	parsed, err := ParseAll([]*model.PublishingRule{
		storedRule("zulu", 1, `[{"kind": "length_over", "threshold": 10}]`, `{"kind": "reject"}`),
		storedRule("alpha", 1, `[{"kind": "length_over", "threshold": 10}]`, `{"kind": "reject"}`),
		storedRule("omega", 0, `[{"kind": "length_over", "threshold": 10}]`, `{"kind": "reject"}`),
	})
	assert.NoError(t, err)

	var names []string
	for _, r := range parsed {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"omega", "alpha", "zulu"}, names)
}

func TestParseAllFailsOnFirstInvalidRule(t *testing.T) {
	_, err := ParseAll([]*model.PublishingRule{
		storedRule("good", 0, `[{"kind": "length_over", "threshold": 10}]`, `{"kind": "reject"}`),
		storedRule("bad", 1, `not json`, `{"kind": "reject"}`),
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}
