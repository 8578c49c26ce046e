package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/movi/internal/domain"
)

const classifierPrompt = `You are Movi's request analyzer for a fleet transport admin console.

Your job:
1. Identify the user's intent as a short label.
2. Select the EXACT tool_name from the available tools, or "none" if nothing fits.
3. Extract entities as an object keyed by the tool's parameter names.

Respond ONLY with JSON:
{"intent": "...", "tool_name": "...", "entities": {...}}

Current Page: %s

Available Tools:
%s`

const imageHint = `
The user message includes [Image Analysis: ...]. Items that are highlighted,
circled or marked with arrows are what the user wants to work with; prefer
them when extracting entities.`

const visionPrompt = `Analyze this image and extract ALL visible text and information.

Pay special attention to:
1. Highlighted, circled or marked items (mention these FIRST)
2. Trip names, IDs and identifiers
3. Status indicators and booking percentages
4. Times and schedules

Describe what the user is drawing attention to.`

const replyPrompt = `You are Movi, the fleet operations admin assistant.
Write a clear, concise reply describing what just happened. Report success
details or the failure reason in plain language, and suggest a follow-up when
useful. Never show raw error codes or JSON.

Current Page: %s
Last Intent: %s
Tool: %s
Tool Result: %s
%s`

const confirmPrompt = `You are Movi. A high-impact action needs the user's confirmation.
Write one or two sentences that state the concrete consequences below and end
by asking the user to reply yes or no.

Action: %s
Affected: %s
Consequences: %s`

func toolList(tools []ToolSpec) string {
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if len(t.Params) > 0 {
			names := make([]string, 0, len(t.Params))
			for _, p := range t.Params {
				n := p.Name + " (" + string(p.Type)
				if p.Required {
					n += ", required"
				}
				names = append(names, n+")")
			}
			fmt.Fprintf(&b, " Parameters: %s", strings.Join(names, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func resultText(r *domain.ExecutionResult) string {
	if r == nil {
		return "(no action was executed)"
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("success=%t error=%s", r.Success, r.Error)
	}
	return string(data)
}

func extraContext(req SynthesisRequest) string {
	var parts []string
	if req.Clarification != "" {
		parts = append(parts, "Clarification needed: "+req.Clarification)
	}
	if req.Impact != nil && req.Impact.Details != "" {
		parts = append(parts, "Consequences: "+req.Impact.Details)
	}
	return strings.Join(parts, "\n")
}
