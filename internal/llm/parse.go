package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseClassification decodes classifier output leniently: code fences and
// surrounding prose are stripped and malformed JSON is repaired before
// decoding.
func ParseClassification(content string) (*Classification, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("classifier returned no JSON object")
	}

	var out Classification
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("parse classification: %w", err)
		}
		if err := json.Unmarshal([]byte(fixed), &out); err != nil {
			return nil, fmt.Errorf("parse repaired classification: %w", err)
		}
	}

	out.Tool = strings.TrimSpace(out.Tool)
	switch strings.ToLower(out.Tool) {
	case "none", "null", "n/a":
		out.Tool = ""
	}
	if out.Entities == nil {
		out.Entities = map[string]any{}
	}
	return &out, nil
}

// extractJSONObject returns the text from the first '{' to the last '}', or
// from the first '{' to the end when the object is truncated.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
