// Package dialogue drives one (scenario, configuration) trial: the tutor's
// ego/superego state machine, the simulated learner, and trace capture. One
// trial is strictly sequential; concurrency lives at the trial boundary in
// the scheduler.
package dialogue

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON decodes a model completion into v, trying progressively softer
// shapes: the raw text, then a fenced ```json block, then the first balanced
// {...} block. Returns false when nothing decodes.
func ExtractJSON(content string, v any) bool {
	content = strings.TrimSpace(content)
	if json.Unmarshal([]byte(content), v) == nil {
		return true
	}
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		if json.Unmarshal([]byte(m[1]), v) == nil {
			return true
		}
	}
	if block := firstJSONObject(content); block != "" {
		if json.Unmarshal([]byte(block), v) == nil {
			return true
		}
	}
	return false
}

// firstJSONObject returns the first balanced top-level {...} block, or "".
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// reviewShape is the structured verdict a superego is asked to produce.
type reviewShape struct {
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback"`
}

// ParseReview decodes a superego completion. An output that cannot be
// decoded is treated as approval with empty feedback and parseFailure set;
// the marker is recorded on the trace entry so analysts can separate genuine
// approvals from parse-auto-approvals.
func ParseReview(content string) (approved bool, feedback string, parseFailure bool) {
	var shape reviewShape
	if ExtractJSON(content, &shape) && shape.Approved != nil {
		return *shape.Approved, shape.Feedback, false
	}
	return true, "", true
}
