// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package moderation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/harborlight/concourse/services/pipeline/config"
)

// ===== Detection =====

// CategoryDetector finds policy categories in answer text. Detections
// must be deterministic: the same text always yields the same
// categories in the same order. The context bounds detectors that call
// out to a network collaborator; the rule detector ignores it.
type CategoryDetector interface {
	Detect(ctx context.Context, text string) []Detection
}

// Detection names one matched category together with the rule that
// matched it.
type Detection struct {
	Category string
	Rule     config.SafetyRule
}

// RuleDetector matches configured regex patterns against lowercased
// answer text. Rules are evaluated in declaration order and each
// category is reported at most once.
type RuleDetector struct {
	compiled []compiledRule
}

type compiledRule struct {
	rule     config.SafetyRule
	patterns []*regexp.Regexp
}

var _ CategoryDetector = (*RuleDetector)(nil)

// NewRuleDetector compiles the rule patterns once up front. A pattern
// that does not compile is a configuration error, not a runtime one.
func NewRuleDetector(rules []config.SafetyRule) (*RuleDetector, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{rule: r}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("safety rule %q: pattern %q: %w", r.Category, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		compiled = append(compiled, cr)
	}
	return &RuleDetector{compiled: compiled}, nil
}

func (d *RuleDetector) Detect(_ context.Context, text string) []Detection {
	lowered := strings.ToLower(text)
	var out []Detection
	for _, cr := range d.compiled {
		for _, re := range cr.patterns {
			if re.MatchString(lowered) {
				out = append(out, Detection{Category: cr.rule.Category, Rule: cr.rule})
				break
			}
		}
	}
	return out
}
