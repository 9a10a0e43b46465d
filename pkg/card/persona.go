package card

import (
	"bytes"
	"encoding/json"
	"strings"
)

// startMarker delimits dialogue examples in some card schemas; it is swapped
// for a horizontal rule so the persona document stays readable.
const startMarker = "<START>"

// RenderDocument folds the persona fields into a markdown document.
// Fields render in original order; empty values are skipped, string arrays
// join as comma-separated text, nested objects become fenced JSON blocks.
func RenderDocument(fields []Field) (string, error) {
	var sb strings.Builder
	for _, f := range fields {
		value, ok := renderValue(f.Value)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		sb.WriteString("## ")
		sb.WriteString(f.Key)
		sb.WriteString("\n")
		sb.WriteString(value)
		sb.WriteString("\n\n")
	}
	doc := strings.ReplaceAll(sb.String(), startMarker, "---\n")
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return "", ErrNoContent
	}
	return doc, nil
}

func renderValue(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", false
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		if s == "" {
			return "", false
		}
		return s, true
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return "", false
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, renderElement(item))
		}
		return strings.Join(parts, ", "), true
	case '{':
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, trimmed, "", "  "); err != nil {
			return "", false
		}
		return "```json\n" + pretty.String() + "\n```", true
	default:
		// numbers and booleans stringify as-is
		return string(trimmed), true
	}
}

func renderElement(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}
