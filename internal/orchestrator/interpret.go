package orchestrator

import (
	"encoding/json"
	"strings"

	"inkforge/internal/logging"
	"inkforge/internal/types"
)

// Directive is one structured instruction an agent embeds in its response
// inside a fenced json block. Unknown types are ignored so newer agents can
// emit directives an older engine does not understand.
type Directive struct {
	Type string `json:"type"`

	// propose_task / update_task
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	Status      string `json:"status,omitempty"`

	// propose_action
	Kind    string              `json:"kind,omitempty"`
	Payload types.ActionPayload `json:"payload,omitempty"`
}

const (
	directiveProposeTask   = "propose_task"
	directiveAssignTask    = "assign_task"
	directiveUpdateTask    = "update_task"
	directiveProposeAction = "propose_action"
)

type envelope struct {
	Directives []Directive `json:"directives"`
}

// extractDirectives pulls directive envelopes out of fenced json blocks in
// an agent response. Malformed blocks are skipped: a bad envelope must never
// fail the whole turn.
func extractDirectives(text string) []Directive {
	var out []Directive
	for _, block := range fencedBlocks(text, "json") {
		var env envelope
		if err := json.Unmarshal([]byte(block), &env); err != nil {
			logging.OrchestratorDebug("skipping malformed directive block: %v", err)
			continue
		}
		out = append(out, env.Directives...)
	}
	return out
}

// fencedBlocks returns the contents of ```lang fenced blocks in text.
func fencedBlocks(text, lang string) []string {
	var blocks []string
	marker := "```" + lang

	for {
		start := strings.Index(text, marker)
		if start < 0 {
			return blocks
		}
		rest := text[start+len(marker):]
		// The opening fence must end its line.
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return blocks
		}
		rest = rest[nl+1:]

		end := strings.Index(rest, "```")
		if end < 0 {
			return blocks
		}
		blocks = append(blocks, rest[:end])
		text = rest[end+3:]
	}
}

// stripDirectiveBlocks removes the fenced json envelopes from a response so
// the prose shown to the user reads clean.
func stripDirectiveBlocks(text string) string {
	for {
		start := strings.Index(text, "```json")
		if start < 0 {
			break
		}
		rest := text[start+len("```json"):]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		text = text[:start] + rest[end+3:]
	}
	return strings.TrimSpace(text)
}
