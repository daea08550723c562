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
	"time"
)

// Content is the view of a post a preflight evaluation runs against.
// Truncate actions mutate it in place.
type Content struct {
	Caption     string
	Hashtags    []string
	LinkCount   int
	MediaType   string
	Width       int
	Height      int
	DurationSec float64
	ScheduledAt time.Time
}

// Decision is the accumulated outcome of evaluating one platform's rules.
// A reject action wins outright; transcode, reschedule and truncate
// accumulate across matching rules.
type Decision struct {
	Allowed           bool
	RejectedBy        string
	RejectMessage     string
	TranscodeProfiles []string
	RescheduleTo      *time.Time
	TruncatedFields   []string
	MatchedRules      []string
}

// Evaluate runs the given rules (already in evaluation order) against the
// content. The first matching reject short-circuits; all other matching
// actions accumulate.
func Evaluate(ruleSet []*Rule, content *Content, now time.Time) Decision {
	decision := Decision{Allowed: true}

	for _, rule := range ruleSet {
		if !matches(rule, content, now) {
			continue
		}
		decision.MatchedRules = append(decision.MatchedRules, rule.Name)

		switch rule.Action.Kind {
		case ActionReject:
			decision.Allowed = false
			decision.RejectedBy = rule.Name
			decision.RejectMessage = rule.Action.Message
			return decision
		case ActionTranscode:
			decision.TranscodeProfiles = append(decision.TranscodeProfiles, rule.Action.Profile)
		case ActionReschedule:
			target := rescheduleTarget(rule, now)
			if decision.RescheduleTo == nil || target.After(*decision.RescheduleTo) {
				decision.RescheduleTo = &target
			}
		case ActionTruncate:
			if truncateField(content, rule.Action.Field, rule.Action.MaxLength) {
				decision.TruncatedFields = append(decision.TruncatedFields, rule.Action.Field)
			}
		}
	}
	return decision
}

func matches(rule *Rule, content *Content, now time.Time) bool {
	for _, c := range rule.Conditions {
		if !conditionHolds(c, content, now) {
			return false
		}
	}
	return true
}

func conditionHolds(c Condition, content *Content, now time.Time) bool {
	switch c.Kind {
	case CondFieldEquals:
		return fieldValue(content, c.Field) == c.Value
	case CondFieldContains:
		return strings.Contains(strings.ToLower(fieldValue(content, c.Field)), strings.ToLower(c.Value))
	case CondLengthOver:
		return float64(len([]rune(fieldValue(content, c.Field)))) > c.Threshold
	case CondLengthUnder:
		return float64(len([]rune(fieldValue(content, c.Field)))) < c.Threshold
	case CondMediaTypeIs:
		return content.MediaType == c.Value
	case CondAspectRatioOutside:
		if content.Height == 0 {
			return false
		}
		ratio := float64(content.Width) / float64(content.Height)
		return ratio < c.MinRatio || ratio > c.MaxRatio
	case CondHourOutsideWindow:
		at := content.ScheduledAt
		if at.IsZero() {
			at = now
		}
		hour := at.Hour()
		return !hourInWindow(hour, c.WindowStart, c.WindowEnd)
	case CondHashtagCountOver:
		return float64(len(content.Hashtags)) > c.Threshold
	case CondDurationOver:
		return content.DurationSec > c.Threshold
	}
	return false
}

func fieldValue(content *Content, field string) string {
	switch field {
	case "caption", "":
		return content.Caption
	case "hashtags":
		return strings.Join(content.Hashtags, " ")
	case "media_type":
		return content.MediaType
	}
	return ""
}

// hourInWindow treats the window as [start, end) and supports windows that
// wrap past midnight.
func hourInWindow(hour, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// rescheduleTarget picks the next allowed slot: the start of the rule's
// posting window when it carries one, otherwise now plus the action delay.
func rescheduleTarget(rule *Rule, now time.Time) time.Time {
	for _, c := range rule.Conditions {
		if c.Kind == CondHourOutsideWindow {
			target := time.Date(now.Year(), now.Month(), now.Day(), c.WindowStart, 0, 0, 0, now.Location())
			if !target.After(now) {
				target = target.Add(24 * time.Hour)
			}
			return target
		}
	}
	delay := rule.Action.DelayMinutes
	if delay <= 0 {
		delay = 60
	}
	return now.Add(time.Duration(delay) * time.Minute)
}

func truncateField(content *Content, field string, maxLength int) bool {
	if maxLength <= 0 {
		return false
	}
	switch field {
	case "caption", "":
		runes := []rune(content.Caption)
		if len(runes) <= maxLength {
			return false
		}
		content.Caption = string(runes[:maxLength])
		return true
	}
	return false
}
