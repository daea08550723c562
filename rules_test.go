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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/sovani/crosspost/database"
	"github.com/sovani/crosspost/internal/cache"
	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

func newCachedDataSource(t *testing.T) (*database.Datasource, sqlmock.Sqlmock, cache.Cache) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	mr := miniredis.RunT(t)
	ruleCache := cache.NewCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return &database.Datasource{Conn: db, Cache: ruleCache}, mock, ruleCache
}

func cachedRuleSet() []*model.PublishingRule {
	return []*model.PublishingRule{{
		RuleID:     "rul_1",
		RuleName:   "caption-cap",
		Platform:   "telegram",
		Conditions: json.RawMessage(`[{"kind":"length_over","field":"caption","threshold":200}]`),
		Action:     json.RawMessage(`{"kind":"truncate","field":"caption","max_length":200}`),
		IsActive:   true,
	}}
}

func TestSetRuleActiveEvictsCachedRules(t *testing.T) {
	ds, mock, ruleCache := newCachedDataSource(t)
	ctx := context.Background()

	assert.NoError(t, ruleCache.Set(ctx, "rules:active:telegram", cachedRuleSet(), time.Minute))

	mock.ExpectQuery("UPDATE publishing_rules").
		WithArgs("rul_1", false).
		WillReturnRows(sqlmock.NewRows([]string{"platform"}).AddRow("telegram"))

	assert.NoError(t, ds.SetRuleActive(ctx, "rul_1", false))

	// The toggled platform's cached rule set is gone, so the next preflight
	// re-reads the table instead of serving the stale set for its TTL.
	var after []*model.PublishingRule
	assert.NoError(t, ruleCache.Get(ctx, "rules:active:telegram", &after))
	assert.Empty(t, after)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSetRuleActiveUnknownRule(t *testing.T) {
	ds, mock, _ := newCachedDataSource(t)

	mock.ExpectQuery("UPDATE publishing_rules").
		WithArgs("rul_missing", true).
		WillReturnRows(sqlmock.NewRows([]string{"platform"}))

	err := ds.SetRuleActive(context.Background(), "rul_missing", true)
	assert.Error(t, err)
	assert.True(t, dispatcherror.Is(err, dispatcherror.ErrValidation))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCreatePublishingRuleEvictsCachedRules(t *testing.T) {
	ds, mock, ruleCache := newCachedDataSource(t)
	ctx := context.Background()

	assert.NoError(t, ruleCache.Set(ctx, "rules:active:telegram", cachedRuleSet(), time.Minute))

	mock.ExpectExec("INSERT INTO publishing_rules").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := ds.CreatePublishingRule(ctx, &model.PublishingRule{
		RuleName:   "hashtag-cap",
		Platform:   "telegram",
		Conditions: json.RawMessage(`[{"kind":"hashtag_count_over","threshold":30}]`),
		Action:     json.RawMessage(`{"kind":"reject","message":"too many hashtags"}`),
		IsActive:   true,
	})
	assert.NoError(t, err)

	var after []*model.PublishingRule
	assert.NoError(t, ruleCache.Get(ctx, "rules:active:telegram", &after))
	assert.Empty(t, after)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
