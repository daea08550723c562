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
	"fmt"
	"time"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

// RecordPublishResult upserts the outcome of publishing a post to one
// platform. Retries of a failed platform update the same row; once a result
// is successful it is immutable, so a replayed retry can never downgrade it.
func (d Datasource) RecordPublishResult(ctx context.Context, result *model.PublishResult) (*model.PublishResult, error) {
	if err := result.Validate(); err != nil {
		return nil, dispatcherror.Validation(err.Error())
	}

	if result.ResultID == "" {
		result.ResultID = GenerateUUIDWithSuffix("res")
	}

	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO publish_results (result_id, post_id, platform, success, platform_post_id, platform_post_url, error_code, error_message, retry_count, published_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (post_id, platform) DO UPDATE
		SET success = EXCLUDED.success,
		    platform_post_id = EXCLUDED.platform_post_id,
		    platform_post_url = EXCLUDED.platform_post_url,
		    error_code = EXCLUDED.error_code,
		    error_message = EXCLUDED.error_message,
		    retry_count = publish_results.retry_count + 1,
		    published_at = EXCLUDED.published_at
		WHERE publish_results.success = FALSE
	`, result.ResultID, result.PostID, result.Platform, result.Success, result.PlatformPostID, result.PlatformPostURL, result.ErrorCode, result.ErrorMessage, result.RetryCount, result.PublishedAt)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to record publish result: %v", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to get rows affected: %v", err))
	}
	if rowsAffected == 0 {
		// The existing result already succeeded; keep it.
		return d.getPublishResult(ctx, result.PostID, result.Platform)
	}
	return result, nil
}

func (d Datasource) getPublishResult(ctx context.Context, postID, platform string) (*model.PublishResult, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT result_id, post_id, platform, success, platform_post_id, platform_post_url, error_code, error_message, retry_count, published_at, created_at
		FROM publish_results
		WHERE post_id = $1 AND platform = $2
	`, postID, platform)

	result, err := scanPublishResult(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dispatcherror.Validation(fmt.Sprintf("publish result for post '%s' on platform '%s' not found", postID, platform))
		}
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to retrieve publish result: %v", err))
	}
	return result, nil
}

func (d Datasource) GetPublishResults(ctx context.Context, postID string) ([]*model.PublishResult, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT result_id, post_id, platform, success, platform_post_id, platform_post_url, error_code, error_message, retry_count, published_at, created_at
		FROM publish_results
		WHERE post_id = $1
		ORDER BY platform ASC
	`, postID)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to retrieve publish results: %v", err))
	}
	defer rows.Close()

	var results []*model.PublishResult
	for rows.Next() {
		result, err := scanPublishResult(rows)
		if err != nil {
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to scan publish result: %v", err))
		}
		results = append(results, result)
	}
	if err = rows.Err(); err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("error iterating publish results: %v", err))
	}
	return results, nil
}

// CountPublishedSince counts successful publishes to a platform since the
// given instant. The scheduler uses this against max_posts_per_day.
func (d Datasource) CountPublishedSince(ctx context.Context, platform string, since time.Time) (int64, error) {
	var count int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM publish_results
		WHERE platform = $1 AND success = TRUE AND published_at >= $2
	`, platform, since).Scan(&count)
	if err != nil {
		return 0, dispatcherror.Transient(fmt.Sprintf("failed to count published results: %v", err))
	}
	return count, nil
}

// LastPublishedAt returns the timestamp of the most recent successful publish
// to a platform, or nil when there is none. The scheduler uses this against
// min_interval_minutes.
func (d Datasource) LastPublishedAt(ctx context.Context, platform string) (*time.Time, error) {
	var publishedAt sql.NullTime
	err := d.Conn.QueryRowContext(ctx, `
		SELECT MAX(published_at)
		FROM publish_results
		WHERE platform = $1 AND success = TRUE
	`, platform).Scan(&publishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to get last published time: %v", err))
	}
	if !publishedAt.Valid {
		return nil, nil
	}
	t := publishedAt.Time
	return &t, nil
}

func scanPublishResult(row rowScanner) (*model.PublishResult, error) {
	result := &model.PublishResult{}
	var platformPostID, platformPostURL, errorCode, errorMessage sql.NullString
	var publishedAt sql.NullTime

	err := row.Scan(
		&result.ResultID,
		&result.PostID,
		&result.Platform,
		&result.Success,
		&platformPostID,
		&platformPostURL,
		&errorCode,
		&errorMessage,
		&result.RetryCount,
		&publishedAt,
		&result.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	result.PlatformPostID = platformPostID.String
	result.PlatformPostURL = platformPostURL.String
	result.ErrorCode = errorCode.String
	result.ErrorMessage = errorMessage.String
	if publishedAt.Valid {
		t := publishedAt.Time
		result.PublishedAt = &t
	}
	return result, nil
}
