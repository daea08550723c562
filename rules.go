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

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/internal/rules"
	"github.com/sovani/crosspost/model"
)

// CreatePublishingRule validates and stores a preflight rule. Conditions and
// actions are parsed into their typed variants here, so a rule with an
// unknown condition or action kind is rejected at configuration time and can
// never reach an evaluation.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - rule *model.PublishingRule: The rule to store.
//
// Returns:
// - *model.PublishingRule: The stored rule.
// - error: An error if validation or storage fails.
func (c *Crosspost) CreatePublishingRule(ctx context.Context, rule *model.PublishingRule) (*model.PublishingRule, error) {
	ctx, span := tracer.Start(ctx, "Creating publishing rule")
	defer span.End()

	if err := rule.Validate(); err != nil {
		return nil, dispatcherror.Validation(err.Error())
	}
	if _, err := rules.Parse(rule); err != nil {
		return nil, dispatcherror.Validation(err.Error())
	}
	return c.datasource.CreatePublishingRule(ctx, rule)
}

// ActiveRules returns the parsed, evaluation-ordered rule set for a platform.
func (c *Crosspost) ActiveRules(ctx context.Context, platform string) ([]*rules.Rule, error) {
	stored, err := c.datasource.GetActiveRules(ctx, platform)
	if err != nil {
		return nil, err
	}
	return rules.ParseAll(stored)
}

// SetRuleActive toggles a rule without deleting its match history.
func (c *Crosspost) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	return c.datasource.SetRuleActive(ctx, ruleID, active)
}
