// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"strings"

	"github.com/harborlight/concourse/services/pipeline/config"
)

// keywordHits counts how many of the namespace's keyword hints occur in
// the message. Hints are a fallback signal only; a hit never outranks a
// classifier-scored namespace.
func keywordHits(ns config.Namespace, message string) int {
	if len(ns.KeywordHints) == 0 {
		return 0
	}
	lower := strings.ToLower(message)
	hits := 0
	for _, hint := range ns.KeywordHints {
		if hint == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(hint)) {
			hits++
		}
	}
	return hits
}

// hintWeight maps a hit count to a weight strictly below any plausible
// classifier confidence, keeping hint-derived namespaces ranked last.
func hintWeight(hits int) float64 {
	w := 0.01 * float64(hits)
	if w > 0.09 {
		w = 0.09
	}
	return w
}
