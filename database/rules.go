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
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

const ruleColumns = `rule_id, rule_name, platform, rule_type, conditions, action, priority, is_active, match_count, last_matched_at, created_at`

func (d Datasource) CreatePublishingRule(ctx context.Context, rule *model.PublishingRule) (*model.PublishingRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, dispatcherror.Validation(err.Error())
	}

	if rule.RuleID == "" {
		rule.RuleID = GenerateUUIDWithSuffix("rul")
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO publishing_rules (rule_id, rule_name, platform, rule_type, conditions, action, priority, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rule.RuleID, rule.RuleName, rule.Platform, rule.RuleType, []byte(rule.Conditions), []byte(rule.Action), rule.Priority, rule.IsActive)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, dispatcherror.Duplicate("publishing_rule", rule.RuleName)
		}
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to insert publishing rule: %v", err))
	}
	d.evictActiveRules(ctx, rule.Platform)
	return rule, nil
}

// evictActiveRules drops a platform's cached rule set so the next preflight
// re-reads the table after a rule write.
func (d Datasource) evictActiveRules(ctx context.Context, platform string) {
	if d.Cache == nil {
		return
	}
	if err := d.Cache.Delete(ctx, fmt.Sprintf("rules:active:%s", platform)); err != nil {
		log.Printf("Failed to evict cached publishing rules: %v", err)
	}
}

// GetActiveRules retrieves the active rules for a platform ordered by
// priority then name. The parsed set is cached briefly so the preflight hot
// path does not hit the table for every post.
func (d Datasource) GetActiveRules(ctx context.Context, platform string) ([]*model.PublishingRule, error) {
	cacheKey := fmt.Sprintf("rules:active:%s", platform)

	var rules []*model.PublishingRule
	if d.Cache != nil {
		err := d.Cache.Get(ctx, cacheKey, &rules)
		if err == nil && len(rules) > 0 {
			return rules, nil
		}
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM publishing_rules
		WHERE platform = $1 AND is_active = TRUE
		ORDER BY priority ASC, rule_name ASC
	`, platform)
	if err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("failed to retrieve publishing rules: %v", err))
	}
	defer rows.Close()

	rules = []*model.PublishingRule{}
	for rows.Next() {
		rule, err := scanPublishingRule(rows)
		if err != nil {
			return nil, dispatcherror.Transient(fmt.Sprintf("failed to scan publishing rule: %v", err))
		}
		rules = append(rules, rule)
	}
	if err = rows.Err(); err != nil {
		return nil, dispatcherror.Transient(fmt.Sprintf("error iterating publishing rules: %v", err))
	}

	if d.Cache != nil && len(rules) > 0 {
		if err := d.Cache.Set(ctx, cacheKey, rules, 1*time.Minute); err != nil {
			log.Printf("Failed to cache publishing rules: %v", err)
		}
	}

	return rules, nil
}

// RecordRuleMatches bumps match counters for the rules that fired during one
// preflight evaluation.
func (d Datasource) RecordRuleMatches(ctx context.Context, ruleIDs []string) error {
	if len(ruleIDs) == 0 {
		return nil
	}
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE publishing_rules
		SET match_count = match_count + 1, last_matched_at = NOW()
		WHERE rule_id = ANY($1)
	`, pq.Array(ruleIDs))
	if err != nil {
		return dispatcherror.Transient(fmt.Sprintf("failed to record rule matches: %v", err))
	}
	return nil
}

func (d Datasource) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	var platform string
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE publishing_rules
		SET is_active = $2
		WHERE rule_id = $1
		RETURNING platform
	`, ruleID, active).Scan(&platform)
	if err != nil {
		if err == sql.ErrNoRows {
			return dispatcherror.Validation(fmt.Sprintf("publishing rule with ID '%s' not found", ruleID))
		}
		return dispatcherror.Transient(fmt.Sprintf("failed to toggle publishing rule: %v", err))
	}
	d.evictActiveRules(ctx, platform)
	return nil
}

func scanPublishingRule(row rowScanner) (*model.PublishingRule, error) {
	rule := &model.PublishingRule{}
	var ruleType sql.NullString
	var conditions, action []byte
	var lastMatchedAt sql.NullTime

	err := row.Scan(
		&rule.RuleID,
		&rule.RuleName,
		&rule.Platform,
		&ruleType,
		&conditions,
		&action,
		&rule.Priority,
		&rule.IsActive,
		&rule.MatchCount,
		&lastMatchedAt,
		&rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.RuleType = ruleType.String
	rule.Conditions = conditions
	rule.Action = action
	if lastMatchedAt.Valid {
		t := lastMatchedAt.Time
		rule.LastMatchedAt = &t
	}
	return rule, nil
}
