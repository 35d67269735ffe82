// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generator

import (
	"fmt"
	"strings"

	"github.com/harborlight/concourse/services/pipeline/datatypes"
)

// promptBuild is the outcome of prompt assembly: the message sequence for
// the LLM plus the citations for exactly the passages that made it into
// the context block, in context order.
type promptBuild struct {
	messages  []datatypes.Message
	citations []datatypes.Citation
}

// buildPrompt assembles the grounded prompt.
//
// Layout: one system message carrying the persona, the indexed context
// block, and any revision instruction; then the bounded history; then
// the user message. Passages are included best-first until the context
// budget is spent; a passage that does not fit whole is skipped, and
// skipped passages earn no citation.
func buildPrompt(persona string, passages []datatypes.RetrievedPassage, history []datatypes.Message, message, revisionHint string, maxContextChars int) promptBuild {
	var system strings.Builder
	system.WriteString(persona)

	var citations []datatypes.Citation
	if len(passages) > 0 {
		var block strings.Builder
		budget := maxContextChars
		index := 0
		for _, p := range passages {
			rendered := renderPassage(index+1, p)
			if len(rendered) > budget {
				continue
			}
			block.WriteString(rendered)
			budget -= len(rendered)
			index++
			citations = append(citations, datatypes.CitationFor(index, p))
		}
		if block.Len() > 0 {
			system.WriteString("\n\nContext passages:\n")
			system.WriteString(block.String())
		}
	}

	if revisionHint != "" {
		system.WriteString("\n\nRevision instruction: ")
		system.WriteString(revisionHint)
	}

	messages := make([]datatypes.Message, 0, len(history)+2)
	messages = append(messages, datatypes.Message{Role: datatypes.RoleSystem, Content: system.String()})
	messages = append(messages, history...)
	messages = append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: message})

	return promptBuild{messages: messages, citations: citations}
}

// renderPassage formats one context entry with its index and source
// attribution.
func renderPassage(index int, p datatypes.RetrievedPassage) string {
	var attribution strings.Builder
	attribution.WriteString(p.Namespace)
	if p.Title != "" {
		attribution.WriteString(", ")
		attribution.WriteString(p.Title)
	}
	if p.URL != "" {
		attribution.WriteString(", ")
		attribution.WriteString(p.URL)
	}
	return fmt.Sprintf("[%d] (%s)\n%s\n\n", index, attribution.String(), p.Text)
}
