// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// =============================================================================
// Prompt Assembly Tests
// =============================================================================

// TestBuildPrompt_Layout verifies message ordering: system, history,
// then the user message.
func TestBuildPrompt_Layout(t *testing.T) {
	history := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "earlier question"},
		{Role: datatypes.RoleAssistant, Content: "earlier answer"},
	}

	build := buildPrompt("persona text", testPassages(), history, "current question", "", 2000)

	require.Len(t, build.messages, 4)
	assert.Equal(t, datatypes.RoleSystem, build.messages[0].Role)
	assert.Equal(t, "earlier question", build.messages[1].Content)
	assert.Equal(t, "earlier answer", build.messages[2].Content)
	assert.Equal(t, datatypes.RoleUser, build.messages[3].Role)
	assert.Equal(t, "current question", build.messages[3].Content)

	system := build.messages[0].Content
	assert.True(t, strings.HasPrefix(system, "persona text"))
	assert.Contains(t, system, "Context passages:")
	assert.Contains(t, system, "[1] (billing, Refund policy, https://docs/refunds)")
	assert.Contains(t, system, "[2] (shipping, https://docs/tracking)")
	assert.NotContains(t, system, "Revision instruction")
}

// TestBuildPrompt_BudgetSkipsOversizedPassage verifies a passage that
// does not fit whole is skipped, later passages still get sequential
// indices, and skipped passages earn no citation.
func TestBuildPrompt_BudgetSkipsOversizedPassage(t *testing.T) {
	passages := []datatypes.RetrievedPassage{
		{Text: strings.Repeat("x", 500), Score: 0.9, Namespace: "general", URL: "https://docs/huge"},
		{Text: "short passage", Score: 0.8, Namespace: "general", URL: "https://docs/short"},
	}

	build := buildPrompt("persona", passages, nil, "q", "", 100)

	require.Len(t, build.citations, 1)
	assert.Equal(t, 1, build.citations[0].Index, "surviving passage takes index 1")
	assert.Equal(t, "https://docs/short", build.citations[0].URL)

	system := build.messages[0].Content
	assert.Contains(t, system, "[1] (general, https://docs/short)")
	assert.NotContains(t, system, "https://docs/huge")
}

// TestBuildPrompt_NoPassages verifies ungrounded prompts omit the
// context block entirely.
func TestBuildPrompt_NoPassages(t *testing.T) {
	build := buildPrompt("persona", nil, nil, "q", "", 2000)

	assert.Empty(t, build.citations)
	assert.NotContains(t, build.messages[0].Content, "Context passages:")
}

// TestBuildPrompt_RevisionHint verifies the revision instruction lands
// in the system message after the context block.
func TestBuildPrompt_RevisionHint(t *testing.T) {
	build := buildPrompt("persona", testPassages(), nil, "q", "Use a respectful tone.", 2000)

	system := build.messages[0].Content
	assert.Contains(t, system, "Revision instruction: Use a respectful tone.")
	assert.Less(t,
		strings.Index(system, "Context passages:"),
		strings.Index(system, "Revision instruction:"),
	)
}

// TestRenderPassage_Attribution covers the attribution variants.
func TestRenderPassage_Attribution(t *testing.T) {
	tests := []struct {
		name    string
		passage datatypes.RetrievedPassage
		want    string
	}{
		{
			name:    "namespace only",
			passage: datatypes.RetrievedPassage{Text: "body", Namespace: "general"},
			want:    "[3] (general)\nbody\n\n",
		},
		{
			name:    "with title and url",
			passage: datatypes.RetrievedPassage{Text: "body", Namespace: "billing", Title: "Fees", URL: "https://docs/fees"},
			want:    "[3] (billing, Fees, https://docs/fees)\nbody\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderPassage(3, tt.passage))
		})
	}
}
