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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

const postColumns = `post_id, source_platform, platforms, original_text, generated_caption, hashtags, status, current_stage, priority, idempotency_key, renditions, stage_data, scheduled_at, retry_count, max_retries, last_error, error_count, created_at, published_at`

// CreatePost inserts a new post. When a post already holds the idempotency
// key the insert is a no-op and the existing post is returned with
// created=false.
func (d Datasource) CreatePost(ctx context.Context, post *model.Post) (*model.Post, bool, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "Saving post to db")
	defer span.End()

	if err := post.Validate(); err != nil {
		return nil, false, dispatcherror.Validation(err.Error())
	}

	if post.PostID == "" {
		post.PostID = GenerateUUIDWithSuffix("pst")
	}
	if post.Status == "" {
		post.Status = model.PostStatusDraft
	}
	if post.CurrentStage == "" {
		post.CurrentStage = model.StageIngested
	}

	renditionsJSON, err := json.Marshal(post.Renditions)
	if err != nil {
		return nil, false, dispatcherror.Transient(fmt.Sprintf("failed to marshal renditions: %v", err))
	}
	stageDataJSON, err := json.Marshal(post.StageData)
	if err != nil {
		return nil, false, dispatcherror.Transient(fmt.Sprintf("failed to marshal stage data: %v", err))
	}

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO posts (post_id, source_platform, platforms, original_text, generated_caption, hashtags, status, current_stage, priority, idempotency_key, renditions, stage_data, scheduled_at, max_retries)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, post.PostID, post.SourcePlatform, pq.Array(post.Platforms), post.OriginalText, post.GeneratedCaption, pq.Array(post.Hashtags), post.Status, post.CurrentStage, post.Priority, post.IdempotencyKey, renditionsJSON, stageDataJSON, post.ScheduledAt, post.MaxRetries)
	if err != nil {
		return nil, false, dispatcherror.Transient(fmt.Sprintf("failed to insert post: %v", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}

	if rowsAffected == 0 {
		existing, err := d.getPostByKey(ctx, post.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	return post, true, nil
}

func (d Datasource) GetPost(ctx context.Context, postID string) (*model.Post, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE post_id = $1
	`, postID)

	post, err := scanPost(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dispatcherror.Validation(fmt.Sprintf("post with ID '%s' not found", postID))
		}
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to retrieve post: %v", err))
	}
	return post, nil
}

func (d Datasource) getPostByKey(ctx context.Context, idempotencyKey string) (*model.Post, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE idempotency_key = $1
	`, idempotencyKey)

	post, err := scanPost(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dispatcherror.Validation(fmt.Sprintf("post with idempotency key '%s' not found", idempotencyKey))
		}
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to retrieve post: %v", err))
	}
	return post, nil
}

// AdvancePostStage moves a post one stage forward. The update is guarded on
// the current stage so a stale or replayed handler cannot move the post
// twice, and terminal posts never advance.
func (d Datasource) AdvancePostStage(ctx context.Context, postID, fromStage, toStage string, stageData map[string]interface{}) error {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "Advancing post stage")
	defer span.End()

	stageDataJSON, err := json.Marshal(stageData)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to marshal stage data: %v", err))
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE posts
		SET current_stage = $3,
		    stage_data = COALESCE(stage_data, '{}'::jsonb) || $4::jsonb
		WHERE post_id = $1 AND current_stage = $2
		  AND status NOT IN ('published', 'failed', 'cancelled')
	`, postID, fromStage, toStage, stageDataJSON)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to advance post stage: %v", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	if rowsAffected == 0 {
		return dispatcherror.Validation(fmt.Sprintf("post '%s' is not at stage '%s' or is terminal", postID, fromStage))
	}
	return nil
}

func (d Datasource) UpdatePostStatus(ctx context.Context, postID string, status string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE posts
		SET status = $2
		WHERE post_id = $1
	`, postID, status)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to update post status: %v", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	if rowsAffected == 0 {
		return dispatcherror.Validation(fmt.Sprintf("post with ID '%s' not found", postID))
	}
	return nil
}

func (d Datasource) UpdatePostCaption(ctx context.Context, postID, caption string, hashtags []string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE posts
		SET generated_caption = $2, hashtags = $3
		WHERE post_id = $1
	`, postID, caption, pq.Array(hashtags))
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to update post caption: %v", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	if rowsAffected == 0 {
		return dispatcherror.Validation(fmt.Sprintf("post with ID '%s' not found", postID))
	}
	return nil
}

// AddPostRenditions appends transcoded renditions to the post's set.
func (d Datasource) AddPostRenditions(ctx context.Context, postID string, renditions []model.Rendition) error {
	renditionsJSON, err := json.Marshal(renditions)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to marshal renditions: %v", err))
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE posts
		SET renditions = COALESCE(renditions, '[]'::jsonb) || $2::jsonb
		WHERE post_id = $1
	`, postID, renditionsJSON)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to add post renditions: %v", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	if rowsAffected == 0 {
		return dispatcherror.Validation(fmt.Sprintf("post with ID '%s' not found", postID))
	}
	return nil
}

func (d Datasource) MarkPostPublished(ctx context.Context, postID string, publishedAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE posts
		SET status = 'published', current_stage = 'published', published_at = $2
		WHERE post_id = $1 AND status NOT IN ('failed', 'cancelled')
	`, postID, publishedAt)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to mark post published: %v", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	if rowsAffected == 0 {
		return dispatcherror.Validation(fmt.Sprintf("post '%s' not found or already terminal", postID))
	}
	return nil
}

func (d Datasource) MarkPostFailed(ctx context.Context, postID string, lastError string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE posts
		SET status = 'failed', last_error = $2, error_count = error_count + 1
		WHERE post_id = $1 AND status NOT IN ('published', 'cancelled')
	`, postID, lastError)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to mark post failed: %v", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	if rowsAffected == 0 {
		return dispatcherror.Validation(fmt.Sprintf("post '%s' not found or already terminal", postID))
	}
	return nil
}

func (d Datasource) IncrementPostRetry(ctx context.Context, postID string, lastError string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE posts
		SET retry_count = retry_count + 1, error_count = error_count + 1, last_error = $2
		WHERE post_id = $1
	`, postID, lastError)
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to increment post retry: %v", err))
	}
	return nil
}

func scanPost(row rowScanner) (*model.Post, error) {
	post := &model.Post{}
	var originalText, generatedCaption, currentStage, lastError sql.NullString
	var renditionsJSON, stageDataJSON []byte
	var publishedAt sql.NullTime

	err := row.Scan(
		&post.PostID,
		&post.SourcePlatform,
		pq.Array(&post.Platforms),
		&originalText,
		&generatedCaption,
		pq.Array(&post.Hashtags),
		&post.Status,
		&currentStage,
		&post.Priority,
		&post.IdempotencyKey,
		&renditionsJSON,
		&stageDataJSON,
		&post.ScheduledAt,
		&post.RetryCount,
		&post.MaxRetries,
		&lastError,
		&post.ErrorCount,
		&post.CreatedAt,
		&publishedAt,
	)
	if err != nil {
		return nil, err
	}

	post.OriginalText = originalText.String
	post.GeneratedCaption = generatedCaption.String
	post.CurrentStage = currentStage.String
	post.LastError = lastError.String
	if publishedAt.Valid {
		t := publishedAt.Time
		post.PublishedAt = &t
	}
	if len(renditionsJSON) > 0 {
		if err := json.Unmarshal(renditionsJSON, &post.Renditions); err != nil {
			return nil, err
		}
	}
	if len(stageDataJSON) > 0 {
		if err := json.Unmarshal(stageDataJSON, &post.StageData); err != nil {
			return nil, err
		}
	}
	return post, nil
}
