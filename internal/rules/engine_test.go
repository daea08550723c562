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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateRejectShortCircuits(t *testing.T) {
	ruleSet := []*Rule{
		{
			Name:       "caption-cap",
			Conditions: []Condition{{Kind: CondLengthOver, Field: "caption", Threshold: 10}},
			Action:     Action{Kind: ActionReject, Message: "caption too long"},
		},
		{
			Name:       "vertical-video",
			Conditions: []Condition{{Kind: CondMediaTypeIs, Value: "video"}},
			Action:     Action{Kind: ActionTranscode, Profile: "vertical_1080"},
		},
	}

	decision := Evaluate(ruleSet, &Content{Caption: strings.Repeat("a", 20), MediaType: "video"}, time.Now())
	assert.False(t, decision.Allowed)
	assert.Equal(t, "caption-cap", decision.RejectedBy)
	assert.Equal(t, "caption too long", decision.RejectMessage)
	// The reject fired first, so the transcode rule never ran.
	assert.Empty(t, decision.TranscodeProfiles)
	assert.Equal(t, []string{"caption-cap"}, decision.MatchedRules)
}

func TestEvaluateAccumulatesTranscodeProfiles(t *testing.T) {
	ruleSet := []*Rule{
		{
			Name:       "square-crop",
			Conditions: []Condition{{Kind: CondAspectRatioOutside, MinRatio: 0.9, MaxRatio: 1.1}},
			Action:     Action{Kind: ActionTranscode, Profile: "square_1080"},
		},
		{
			Name:       "long-video",
			Conditions: []Condition{{Kind: CondDurationOver, Threshold: 60}},
			Action:     Action{Kind: ActionTranscode, Profile: "clip_60s"},
		},
	}

	content := &Content{MediaType: "video", Width: 1920, Height: 1080, DurationSec: 95}
	decision := Evaluate(ruleSet, content, time.Now())
	assert.True(t, decision.Allowed)
	assert.Equal(t, []string{"square_1080", "clip_60s"}, decision.TranscodeProfiles)
}

func TestEvaluateTruncateMutatesContent(t *testing.T) {
	ruleSet := []*Rule{{
		Name:       "trim-caption",
		Conditions: []Condition{{Kind: CondLengthOver, Field: "caption", Threshold: 5}},
		Action:     Action{Kind: ActionTruncate, Field: "caption", MaxLength: 5},
	}}

	content := &Content{Caption: "0123456789"}
	decision := Evaluate(ruleSet, content, time.Now())
	assert.True(t, decision.Allowed)
	assert.Equal(t, "01234", content.Caption)
	assert.Equal(t, []string{"caption"}, decision.TruncatedFields)

	// A caption already inside the limit is not reported as truncated.
	short := &Content{Caption: "ok"}
	decision = Evaluate(ruleSet, short, time.Now())
	assert.Empty(t, decision.TruncatedFields)
	assert.Equal(t, "ok", short.Caption)
}

func TestEvaluateRescheduleTargetsWindowStart(t *testing.T) {
	ruleSet := []*Rule{{
		Name:       "quiet-hours",
		Conditions: []Condition{{Kind: CondHourOutsideWindow, WindowStart: 9, WindowEnd: 21}},
		Action:     Action{Kind: ActionReschedule},
	}}

	// 23:30 is outside [9, 21), so the post moves to 09:00 the next day.
	now := time.Date(2025, 6, 15, 23, 30, 0, 0, time.UTC)
	decision := Evaluate(ruleSet, &Content{Caption: "late night"}, now)
	assert.True(t, decision.Allowed)
	if assert.NotNil(t, decision.RescheduleTo) {
		assert.Equal(t, time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC), *decision.RescheduleTo)
	}

	// Inside the window nothing fires.
	noon := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	decision = Evaluate(ruleSet, &Content{Caption: "midday"}, noon)
	assert.Nil(t, decision.RescheduleTo)
}

func TestEvaluateRescheduleWithoutWindowUsesDelay(t *testing.T) {
	ruleSet := []*Rule{{
		Name:       "cool-off",
		Conditions: []Condition{{Kind: CondHashtagCountOver, Threshold: 2}},
		Action:     Action{Kind: ActionReschedule, DelayMinutes: 30},
	}}

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	content := &Content{Hashtags: []string{"#a", "#b", "#c"}}
	decision := Evaluate(ruleSet, content, now)
	if assert.NotNil(t, decision.RescheduleTo) {
		assert.Equal(t, now.Add(30*time.Minute), *decision.RescheduleTo)
	}
}

func TestEvaluateUsesScheduledTimeForWindows(t *testing.T) {
	ruleSet := []*Rule{{
		Name:       "quiet-hours",
		Conditions: []Condition{{Kind: CondHourOutsideWindow, WindowStart: 9, WindowEnd: 21}},
		Action:     Action{Kind: ActionReject, Message: "outside posting hours"},
	}}

	now := time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
	scheduled := &Content{ScheduledAt: time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)}
	decision := Evaluate(ruleSet, scheduled, now)
	assert.True(t, decision.Allowed, "the scheduled time, not the evaluation time, decides the window")
}

func TestHourInWindowWrapsMidnight(t *testing.T) {
	// [22, 6) spans midnight.
	assert.True(t, hourInWindow(23, 22, 6))
	assert.True(t, hourInWindow(3, 22, 6))
	assert.False(t, hourInWindow(12, 22, 6))

	// An empty window means always allowed.
	assert.True(t, hourInWindow(12, 0, 0))
}

func TestConditionFieldContainsIsCaseInsensitive(t *testing.T) {
	ruleSet := []*Rule{{
		Name:       "no-promo",
		Conditions: []Condition{{Kind: CondFieldContains, Field: "caption", Value: "GIVEAWAY"}},
		Action:     Action{Kind: ActionReject, Message: "promotional content"},
	}}

	decision := Evaluate(ruleSet, &Content{Caption: "Big giveaway this week"}, time.Now())
	assert.False(t, decision.Allowed)
}

func TestConditionAspectRatioNeedsDimensions(t *testing.T) {
	cond := Condition{Kind: CondAspectRatioOutside, MinRatio: 0.9, MaxRatio: 1.1}
	assert.False(t, conditionHolds(cond, &Content{Width: 1920, Height: 0}, time.Now()))
}

func TestMultipleConditionsAllMustHold(t *testing.T) {
	ruleSet := []*Rule{{
		Name: "long-video-only",
		Conditions: []Condition{
			{Kind: CondMediaTypeIs, Value: "video"},
			{Kind: CondDurationOver, Threshold: 60},
		},
		Action: Action{Kind: ActionReject, Message: "too long"},
	}}

	shortVideo := &Content{MediaType: "video", DurationSec: 30}
	assert.True(t, Evaluate(ruleSet, shortVideo, time.Now()).Allowed)

	longVideo := &Content{MediaType: "video", DurationSec: 90}
	assert.False(t, Evaluate(ruleSet, longVideo, time.Now()).Allowed)
}
