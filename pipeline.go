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
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/database"
	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/internal/rules"
	"github.com/sovani/crosspost/model"
)

// Outbox event types the pipeline emits. Stage advances move a post one
// stage forward; publish events carry one (post, platform) dispatch.
const (
	EventTypeStageAdvance = "pipeline.advance"
	EventTypePublish      = "post.publish"
)

// Services the non-publishing stages dispatch to. Publishing stages use the
// platform name as the breaker service.
const (
	ServiceCaptionGenerator = "caption_generator"
	ServiceMediaTranscoder  = "media_transcoder"
)

// IngestPost admits a post into the pipeline. The dedup index collapses
// repeated submissions of the same source event onto the original post, and
// the post's own idempotency key guards the insert itself.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - post *model.Post: The post to admit.
//
// Returns:
// - *model.Post: The admitted (or pre-existing) post.
// - error: An error if ingestion fails.
func (c *Crosspost) IngestPost(ctx context.Context, post *model.Post) (*model.Post, error) {
	ctx, span := tracer.Start(ctx, "Ingesting post")
	defer span.End()

	if err := post.Validate(); err != nil {
		return nil, dispatcherror.Validation(err.Error())
	}
	if post.PostID == "" {
		post.PostID = database.GenerateUUIDWithSuffix("pst")
	}

	_, entityID, created, err := c.CheckAndRecordDedup(ctx, "post_ingest", post.IdempotencyKey, "post", post.PostID)
	if err != nil {
		return nil, err
	}
	if !created {
		logrus.WithField("post_id", entityID).Info("duplicate ingest collapsed onto existing post")
		return c.datasource.GetPost(ctx, entityID)
	}

	post.Status = model.PostStatusScheduled
	post.CurrentStage = model.StageIngested
	if post.ScheduledAt.IsZero() {
		post.ScheduledAt = c.now()
	}

	stored, createdPost, err := c.datasource.CreatePost(ctx, post)
	if err != nil {
		return nil, err
	}
	if !createdPost {
		return stored, nil
	}

	c.notify(model.LifecycleEvent{
		Event:      model.EventPostCreated,
		EntityType: "post",
		EntityID:   stored.PostID,
		Stage:      model.StageIngested,
		OccurredAt: c.now(),
	})

	if err := c.enqueueStageAdvance(ctx, stored, model.StageEnriched); err != nil {
		return nil, err
	}
	return stored, nil
}

// CancelPost moves a post to the cancelled terminal state. Stage work
// already in flight is allowed to finish; its continuation is discarded
// because every stage re-reads the post status before acting.
func (c *Crosspost) CancelPost(ctx context.Context, postID string) error {
	post, err := c.datasource.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.IsTerminal() {
		return dispatcherror.Validation(fmt.Sprintf("post '%s' is already terminal", postID))
	}
	if err := c.datasource.UpdatePostStatus(ctx, postID, model.PostStatusCancelled); err != nil {
		return err
	}
	c.notify(model.LifecycleEvent{
		Event:      model.EventPostCancelled,
		EntityType: "post",
		EntityID:   postID,
		Stage:      post.CurrentStage,
		OccurredAt: c.now(),
	})
	return nil
}

// enqueueStageAdvance stages the hand-off to the next pipeline stage in the
// outbox, preserving the post's priority.
func (c *Crosspost) enqueueStageAdvance(ctx context.Context, post *model.Post, toStage string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	_, _, err = c.EnqueueEvent(ctx, EventRequest{
		AggregateType:    "post",
		AggregateID:      post.PostID,
		EventType:        EventTypeStageAdvance,
		DestinationQueue: StageQueueName(cfg.Queue.StageQueuePrefix, toStage, ""),
		Priority:         post.Priority,
		Payload: map[string]interface{}{
			"post_id":  post.PostID,
			"to_stage": toStage,
		},
	})
	return err
}

// enqueuePublish stages one (post, platform) publish dispatch. not_before
// honors the post's scheduled time so scheduled posts wait in the outbox,
// not in application sleeps.
func (c *Crosspost) enqueuePublish(ctx context.Context, post *model.Post, platform string, notBefore time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	if notBefore.IsZero() {
		notBefore = c.now()
	}
	_, _, err = c.EnqueueEvent(ctx, EventRequest{
		AggregateType:    "post",
		AggregateID:      post.PostID,
		EventType:        EventTypePublish,
		DestinationQueue: StageQueueName(cfg.Queue.StageQueuePrefix, model.StagePublishing, platform),
		RoutingKey:       platform,
		Priority:         post.Priority,
		ScheduledAt:      notBefore,
		NotBefore:        notBefore,
		Payload: map[string]interface{}{
			"post_id":  post.PostID,
			"platform": platform,
		},
	})
	return err
}

// ProcessStageTask is the asynq handler for every dispatch queue. The task
// payload is the claimed outbox entry.
func (c *Crosspost) ProcessStageTask(ctx context.Context, task *asynq.Task) error {
	var entry model.OutboxEntry
	if err := json.Unmarshal(task.Payload(), &entry); err != nil {
		logrus.WithError(err).Error("could not unmarshal outbox entry task")
		return err
	}
	return c.DispatchEntry(ctx, &entry)
}

// DispatchEntry runs a claimed entry's work function and applies the outcome
// transition table. This is the at-least-once delivery boundary: every work
// function is idempotent over accumulated state.
func (c *Crosspost) DispatchEntry(ctx context.Context, entry *model.OutboxEntry) error {
	ctx, span := tracer.Start(ctx, "Dispatching outbox entry")
	defer span.End()

	workErr := c.executeEntry(ctx, entry)
	if err := c.ResolveDispatchOutcome(ctx, entry, workErr); err != nil {
		return err
	}
	if workErr != nil {
		logrus.WithFields(logrus.Fields{
			"entry_id": entry.EntryID,
			"event":    entry.EventType,
			"code":     dispatcherror.CodeOf(workErr),
		}).Warn("dispatch attempt did not complete")
	}
	return nil
}

func (c *Crosspost) executeEntry(ctx context.Context, entry *model.OutboxEntry) error {
	if entry.Expired(c.now()) {
		return dispatcherror.Expired(entry.EntryID)
	}

	postID, _ := entry.Payload["post_id"].(string)
	if postID == "" {
		return dispatcherror.Validation("outbox entry payload is missing post_id")
	}

	switch entry.EventType {
	case EventTypeStageAdvance:
		toStage, _ := entry.Payload["to_stage"].(string)
		return c.executeStage(ctx, postID, toStage)
	case EventTypePublish:
		platform, _ := entry.Payload["platform"].(string)
		return c.executePublish(ctx, entry, postID, platform)
	default:
		return dispatcherror.Validation(fmt.Sprintf("unknown outbox event type %q", entry.EventType))
	}
}

// executeStage runs one pipeline stage for a post. Cancelled posts discard
// the continuation; replayed deliveries for a stage the post already left
// collapse to duplicates.
func (c *Crosspost) executeStage(ctx context.Context, postID, toStage string) error {
	post, err := c.datasource.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Status == model.PostStatusCancelled {
		logrus.WithField("post_id", postID).Info("discarding stage work for cancelled post")
		return nil
	}
	if post.IsTerminal() {
		return dispatcherror.Duplicate("post", postID)
	}
	if toStage == model.StagePreflightPassed && post.CurrentStage == model.StagePublishing {
		// The post advanced to publishing but the per-platform fan-out may
		// have been cut short by a crash or a failed enqueue. Re-enter it;
		// idempotency keys collapse the entries that were already staged.
		return c.resumePublishFanOut(ctx, post)
	}
	if model.NextStage(post.CurrentStage) != toStage {
		// Stale delivery; the post already moved past this transition.
		return dispatcherror.Duplicate("post", postID)
	}

	switch toStage {
	case model.StageEnriched:
		return c.runEnrich(ctx, post)
	case model.StageCaptioned:
		return c.runCaption(ctx, post)
	case model.StageTranscoded:
		return c.runTranscode(ctx, post)
	case model.StagePreflightPassed:
		return c.runPreflight(ctx, post)
	default:
		return dispatcherror.Validation(fmt.Sprintf("stage %q has no work function", toStage))
	}
}

// advanceAndContinue moves the post one stage forward, stamps the stage
// completion time into stage_data, emits the stage event and stages the next
// hand-off.
func (c *Crosspost) advanceAndContinue(ctx context.Context, post *model.Post, toStage string, stageData map[string]interface{}) error {
	if stageData == nil {
		stageData = map[string]interface{}{}
	}
	stageData[toStage+"_completed_at"] = c.now().Format(time.RFC3339)

	if err := c.datasource.AdvancePostStage(ctx, post.PostID, post.CurrentStage, toStage, stageData); err != nil {
		return err
	}
	post.CurrentStage = toStage

	c.notify(model.LifecycleEvent{
		Event:      model.EventStageCompleted,
		EntityType: "post",
		EntityID:   post.PostID,
		Stage:      toStage,
		OccurredAt: c.now(),
	})

	next := model.NextStage(toStage)
	if next == "" || next == model.StagePublishing || next == model.StagePublished {
		return nil
	}
	return c.enqueueStageAdvance(ctx, post, next)
}

func (c *Crosspost) runEnrich(ctx context.Context, post *model.Post) error {
	mediaType := "text"
	if len(post.Renditions) > 0 {
		mediaType = post.Renditions[0].MediaType
	}
	stageData := map[string]interface{}{
		"media_type":      mediaType,
		"platform_count":  len(post.Platforms),
		"source_platform": post.SourcePlatform,
		"text_length":     len([]rune(post.OriginalText)),
	}
	return c.advanceAndContinue(ctx, post, model.StageEnriched, stageData)
}

func (c *Crosspost) runCaption(ctx context.Context, post *model.Post) error {
	c.mu.RLock()
	captioner := c.captioner
	c.mu.RUnlock()

	caption := post.OriginalText
	var hashtags []string
	if captioner != nil {
		err := c.breakers.Execute(ServiceCaptionGenerator, func() error {
			generated, tags, genErr := captioner.Generate(ctx, post)
			if genErr != nil {
				return genErr
			}
			caption, hashtags = generated, tags
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := c.datasource.UpdatePostCaption(ctx, post.PostID, caption, hashtags); err != nil {
		return err
	}
	post.GeneratedCaption = caption
	post.Hashtags = hashtags
	return c.advanceAndContinue(ctx, post, model.StageCaptioned, nil)
}

// runTranscode produces the default rendition per target platform. Replays
// skip profiles that already have a rendition.
func (c *Crosspost) runTranscode(ctx context.Context, post *model.Post) error {
	c.mu.RLock()
	transcoder := c.transcoder
	c.mu.RUnlock()

	if transcoder != nil {
		existing := make(map[string]bool, len(post.Renditions))
		for _, r := range post.Renditions {
			existing[r.Profile] = true
		}

		var produced []model.Rendition
		for _, platform := range post.Platforms {
			profile := "default:" + platform
			if existing[profile] {
				continue
			}
			var rendition *model.Rendition
			err := c.breakers.Execute(ServiceMediaTranscoder, func() error {
				r, renderErr := transcoder.Render(ctx, post, profile)
				if renderErr != nil {
					return renderErr
				}
				rendition = r
				return nil
			})
			if err != nil {
				return err
			}
			rendition.Profile = profile
			produced = append(produced, *rendition)
		}
		if len(produced) > 0 {
			if err := c.datasource.AddPostRenditions(ctx, post.PostID, produced); err != nil {
				return err
			}
			post.Renditions = append(post.Renditions, produced...)
		}
	}

	return c.advanceAndContinue(ctx, post, model.StageTranscoded, nil)
}

// runPreflight evaluates publishing rules per target platform. A rejected
// platform is excluded with a recorded failure result while the others
// proceed; the post fails only when no platform survives.
func (c *Crosspost) runPreflight(ctx context.Context, post *model.Post) error {
	now := c.now()
	notBefore := post.ScheduledAt
	var approved []string

	for _, platform := range post.Platforms {
		decision, err := c.preflightPlatform(ctx, post, platform, now)
		if err != nil {
			return err
		}

		if !decision.Allowed {
			result := &model.PublishResult{
				PostID:       post.PostID,
				Platform:     platform,
				Success:      false,
				ErrorCode:    string(dispatcherror.ErrValidation),
				ErrorMessage: fmt.Sprintf("rejected by rule %s: %s", decision.RejectedBy, decision.RejectMessage),
			}
			if _, err := c.datasource.RecordPublishResult(ctx, result); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"post_id":  post.PostID,
				"platform": platform,
				"rule":     decision.RejectedBy,
			}).Info("platform excluded by preflight rule")
			continue
		}

		if err := c.applyPreflightEffects(ctx, post, decision); err != nil {
			return err
		}
		if decision.RescheduleTo != nil && decision.RescheduleTo.After(notBefore) {
			notBefore = *decision.RescheduleTo
		}
		approved = append(approved, platform)
	}

	if len(approved) == 0 {
		if err := c.datasource.MarkPostFailed(ctx, post.PostID, "all platforms rejected by preflight rules"); err != nil {
			return err
		}
		c.notify(model.LifecycleEvent{
			Event:      model.EventPostFailed,
			EntityType: "post",
			EntityID:   post.PostID,
			Stage:      model.StagePreflightPassed,
			Detail:     map[string]interface{}{"reason": "all platforms rejected by preflight rules"},
			OccurredAt: c.now(),
		})
		return nil
	}

	approvedAny := make([]interface{}, len(approved))
	for i, p := range approved {
		approvedAny[i] = p
	}
	if err := c.advanceAndContinue(ctx, post, model.StagePreflightPassed, map[string]interface{}{
		"approved_platforms": approvedAny,
		"publish_not_before": notBefore.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := c.datasource.AdvancePostStage(ctx, post.PostID, model.StagePreflightPassed, model.StagePublishing, nil); err != nil {
		return err
	}
	post.CurrentStage = model.StagePublishing

	for _, platform := range approved {
		if err := c.enqueuePublish(ctx, post, platform, notBefore); err != nil {
			return err
		}
	}
	return nil
}

// resumePublishFanOut re-stages the per-platform publish entries for a post
// already in the publishing stage, using the approved platforms and dispatch
// floor persisted by preflight.
func (c *Crosspost) resumePublishFanOut(ctx context.Context, post *model.Post) error {
	notBefore := post.ScheduledAt
	if raw, ok := post.StageData["publish_not_before"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			notBefore = parsed
		}
	}
	for _, platform := range approvedPlatforms(post) {
		if err := c.enqueuePublish(ctx, post, platform, notBefore); err != nil {
			return err
		}
	}
	return nil
}

// preflightPlatform loads and evaluates one platform's rules against the
// post, recording match statistics for the rules that fired.
func (c *Crosspost) preflightPlatform(ctx context.Context, post *model.Post, platform string, now time.Time) (*rules.Decision, error) {
	stored, err := c.datasource.GetActiveRules(ctx, platform)
	if err != nil {
		return nil, err
	}
	ruleSet, err := rules.ParseAll(stored)
	if err != nil {
		return nil, dispatcherror.Validation(err.Error())
	}

	caption := post.GeneratedCaption
	if caption == "" {
		caption = post.OriginalText
	}
	content := &rules.Content{
		Caption:     caption,
		Hashtags:    post.Hashtags,
		ScheduledAt: post.ScheduledAt,
	}
	if len(post.Renditions) > 0 {
		r := post.Renditions[0]
		content.MediaType = r.MediaType
		content.Width = r.Width
		content.Height = r.Height
		content.DurationSec = r.Duration
	}

	decision := rules.Evaluate(ruleSet, content, now)

	if len(decision.MatchedRules) > 0 {
		matchedIDs := make([]string, 0, len(decision.MatchedRules))
		byName := make(map[string]string, len(stored))
		for _, s := range stored {
			byName[s.RuleName] = s.RuleID
		}
		for _, name := range decision.MatchedRules {
			if id, ok := byName[name]; ok {
				matchedIDs = append(matchedIDs, id)
			}
		}
		if err := c.datasource.RecordRuleMatches(ctx, matchedIDs); err != nil {
			logrus.WithError(err).Warn("could not record rule match stats")
		}
	}

	if len(decision.TruncatedFields) > 0 {
		post.GeneratedCaption = content.Caption
	}
	return &decision, nil
}

// applyPreflightEffects persists the accumulated non-reject actions:
// requested renditions and truncated captions.
func (c *Crosspost) applyPreflightEffects(ctx context.Context, post *model.Post, decision *rules.Decision) error {
	if len(decision.TruncatedFields) > 0 {
		if err := c.datasource.UpdatePostCaption(ctx, post.PostID, post.GeneratedCaption, post.Hashtags); err != nil {
			return err
		}
	}

	if len(decision.TranscodeProfiles) == 0 {
		return nil
	}
	c.mu.RLock()
	transcoder := c.transcoder
	c.mu.RUnlock()
	if transcoder == nil {
		return nil
	}

	existing := make(map[string]bool, len(post.Renditions))
	for _, r := range post.Renditions {
		existing[r.Profile] = true
	}
	var produced []model.Rendition
	for _, profile := range decision.TranscodeProfiles {
		if existing[profile] {
			continue
		}
		var rendition *model.Rendition
		err := c.breakers.Execute(ServiceMediaTranscoder, func() error {
			r, renderErr := transcoder.Render(ctx, post, profile)
			if renderErr != nil {
				return renderErr
			}
			rendition = r
			return nil
		})
		if err != nil {
			return err
		}
		rendition.Profile = profile
		produced = append(produced, *rendition)
		existing[profile] = true
	}
	if len(produced) > 0 {
		if err := c.datasource.AddPostRenditions(ctx, post.PostID, produced); err != nil {
			return err
		}
		post.Renditions = append(post.Renditions, produced...)
	}
	return nil
}

// executePublish dispatches one (post, platform) pair through the platform's
// breaker and records the result. Replays of an already-successful pair
// collapse to duplicates.
func (c *Crosspost) executePublish(ctx context.Context, entry *model.OutboxEntry, postID, platform string) error {
	post, err := c.datasource.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Status == model.PostStatusCancelled {
		logrus.WithField("post_id", postID).Info("discarding publish for cancelled post")
		return nil
	}

	existing, err := c.datasource.GetPublishResults(ctx, postID)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Platform == platform && r.Success {
			return dispatcherror.Duplicate("publish_result", r.ResultID)
		}
	}

	publisher, err := c.publisherFor(platform)
	if err != nil {
		return c.recordPublishFailure(ctx, post, platform, err)
	}

	var result *model.PublishResult
	pubErr := c.breakers.Execute(platform, func() error {
		r, callErr := publisher.Publish(ctx, post)
		if callErr != nil {
			return callErr
		}
		result = r
		return nil
	})

	if pubErr != nil {
		code := dispatcherror.CodeOf(pubErr)
		// An open breaker made no attempt; there is nothing to record and
		// the entry's budget is untouched.
		if code == dispatcherror.ErrCircuitOpen {
			return pubErr
		}
		if code == dispatcherror.ErrValidation {
			if err := c.recordPublishFailure(ctx, post, platform, pubErr); err != nil {
				return err
			}
			return pubErr
		}
		// Transient or rate limited: record the attempt; on the final
		// transient attempt the platform is resolved as failed.
		if code == dispatcherror.ErrTransient && entry.Attempts+1 >= entry.MaxAttempts {
			if err := c.recordPublishFailure(ctx, post, platform, pubErr); err != nil {
				return err
			}
		}
		return pubErr
	}

	now := c.now()
	result.PostID = postID
	result.Platform = platform
	result.Success = true
	if result.PublishedAt == nil {
		result.PublishedAt = &now
	}
	if _, err := c.datasource.RecordPublishResult(ctx, result); err != nil {
		return err
	}

	return c.finalizePost(ctx, post)
}

func (c *Crosspost) recordPublishFailure(ctx context.Context, post *model.Post, platform string, cause error) error {
	result := &model.PublishResult{
		PostID:       post.PostID,
		Platform:     platform,
		Success:      false,
		ErrorCode:    string(dispatcherror.CodeOf(cause)),
		ErrorMessage: cause.Error(),
	}
	if _, err := c.datasource.RecordPublishResult(ctx, result); err != nil {
		return err
	}
	if err := c.datasource.IncrementPostRetry(ctx, post.PostID, cause.Error()); err != nil {
		return err
	}
	return c.finalizePost(ctx, post)
}

// finalizePost closes out a post once every approved platform has a
// resolved result: published when at least one platform succeeded, failed
// when none did. Called after each resolving publish outcome; earlier calls
// with platforms still outstanding are no-ops.
func (c *Crosspost) finalizePost(ctx context.Context, post *model.Post) error {
	fresh, err := c.datasource.GetPost(ctx, post.PostID)
	if err != nil {
		return err
	}
	if fresh.IsTerminal() {
		return nil
	}

	approved := approvedPlatforms(fresh)
	results, err := c.datasource.GetPublishResults(ctx, post.PostID)
	if err != nil {
		return err
	}

	byPlatform := make(map[string]*model.PublishResult, len(results))
	for _, r := range results {
		byPlatform[r.Platform] = r
	}

	succeeded := 0
	detail := map[string]interface{}{}
	for _, platform := range approved {
		r, ok := byPlatform[platform]
		if !ok {
			return nil // still outstanding
		}
		if r.Success {
			succeeded++
			detail[platform] = map[string]interface{}{
				"success":          true,
				"platform_post_id": r.PlatformPostID,
				"platform_url":     r.PlatformPostURL,
			}
			continue
		}
		// Failure results are only recorded once a platform is resolved
		// (validation reject or spent retry budget), so a present
		// unsuccessful result is final.
		detail[platform] = map[string]interface{}{
			"success":    false,
			"error_code": r.ErrorCode,
		}
	}

	if succeeded > 0 {
		now := c.now()
		if err := c.datasource.MarkPostPublished(ctx, post.PostID, now); err != nil {
			return err
		}
		c.notify(model.LifecycleEvent{
			Event:      model.EventPostPublished,
			EntityType: "post",
			EntityID:   post.PostID,
			Stage:      model.StagePublished,
			Detail:     detail,
			OccurredAt: now,
		})
		return nil
	}

	if err := c.datasource.MarkPostFailed(ctx, post.PostID, "no platform succeeded"); err != nil {
		return err
	}
	c.notify(model.LifecycleEvent{
		Event:      model.EventPostFailed,
		EntityType: "post",
		EntityID:   post.PostID,
		Stage:      model.StagePublishing,
		Detail:     detail,
		OccurredAt: c.now(),
	})
	return nil
}

// approvedPlatforms reads the platforms that survived preflight from
// stage_data, falling back to the post's requested platforms.
func approvedPlatforms(post *model.Post) []string {
	raw, ok := post.StageData["approved_platforms"].([]interface{})
	if !ok {
		return post.Platforms
	}
	platforms := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			platforms = append(platforms, s)
		}
	}
	if len(platforms) == 0 {
		return post.Platforms
	}
	return platforms
}
