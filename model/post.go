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

// Post processing states.
const (
	PostStatusDraft     = "draft"
	PostStatusScheduled = "scheduled"
	PostStatusPublished = "published"
	PostStatusFailed    = "failed"
	PostStatusCancelled = "cancelled"
)

// Pipeline stages in fixed order. A post moves forward one stage at a time;
// the only off-ramps are the terminal post states above.
const (
	StageIngested        = "ingested"
	StageEnriched        = "enriched"
	StageCaptioned       = "captioned"
	StageTranscoded      = "transcoded"
	StagePreflightPassed = "preflight_passed"
	StagePublishing      = "publishing"
	StagePublished       = "published"
)

// StageOrder lists the pipeline stages in execution order.
var StageOrder = []string{
	StageIngested,
	StageEnriched,
	StageCaptioned,
	StageTranscoded,
	StagePreflightPassed,
	StagePublishing,
	StagePublished,
}

// NextStage returns the stage that follows the given one, or "" when the
// given stage is the last or unknown.
func NextStage(stage string) string {
	for i, s := range StageOrder {
		if s == stage && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

// Post is a content item moving through the pipeline toward one or more
// target platforms.
type Post struct {
	ID               int64                  `json:"-"`
	PostID           string                 `json:"post_id"`
	SourcePlatform   string                 `json:"source_platform"`
	Platforms        []string               `json:"platforms"`
	OriginalText     string                 `json:"original_text,omitempty"`
	GeneratedCaption string                 `json:"generated_caption,omitempty"`
	Hashtags         []string               `json:"hashtags,omitempty"`
	Status           string                 `json:"status"`
	CurrentStage     string                 `json:"current_stage,omitempty"`
	Priority         int                    `json:"priority"`
	IdempotencyKey   string                 `json:"idempotency_key"`
	Renditions       []Rendition            `json:"renditions,omitempty"`
	StageData        map[string]interface{} `json:"stage_data,omitempty"`
	ScheduledAt      time.Time              `json:"scheduled_at,omitempty"`
	RetryCount       int                    `json:"retry_count"`
	MaxRetries       int                    `json:"max_retries"`
	LastError        string                 `json:"last_error,omitempty"`
	ErrorCount       int                    `json:"error_count"`
	CreatedAt        time.Time              `json:"created_at"`
	PublishedAt      *time.Time             `json:"published_at,omitempty"`
}

func (p *Post) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.SourcePlatform, validation.Required),
		validation.Field(&p.Platforms, validation.Required, validation.Length(1, 0)),
		validation.Field(&p.IdempotencyKey, validation.Required),
		validation.Field(&p.Priority, validation.Min(0), validation.Max(9)),
	)
}

// IsTerminal reports whether the post reached a final state.
func (p *Post) IsTerminal() bool {
	return p.Status == PostStatusPublished || p.Status == PostStatusFailed || p.Status == PostStatusCancelled
}

func (p *Post) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// Rendition is a platform-specific transcoded variant of a source asset. The
// core tracks identity only; codec parameters belong to the transcoder.
type Rendition struct {
	RenditionID string  `json:"rendition_id"`
	Profile     string  `json:"profile"`
	Path        string  `json:"path"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	MediaType   string  `json:"media_type,omitempty"`
}

// PublishResult records the outcome of publishing a post to one platform.
// There is at most one result per (post, platform); it becomes immutable once
// success is true.
type PublishResult struct {
	ID              int64      `json:"-"`
	ResultID        string     `json:"result_id"`
	PostID          string     `json:"post_id"`
	Platform        string     `json:"platform"`
	Success         bool       `json:"success"`
	PlatformPostID  string     `json:"platform_post_id,omitempty"`
	PlatformPostURL string     `json:"platform_post_url,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	RetryCount      int        `json:"retry_count"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (r *PublishResult) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.PostID, validation.Required),
		validation.Field(&r.Platform, validation.Required),
	)
}
