package app

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"roomchat/pkg/domain"
)

// indexSeparators splits flexible delete specs: spaces, commas, and the
// CJK comma/enumeration marks.
var indexSeparators = regexp.MustCompile(`[\s,，、]+`)

// parseIndexSpec extracts addressable indices from a raw spec. maxIndex is
// len(messages)-1; index 0 (the system message) is never addressable.
// The result is de-duplicated and sorted descending so removal by index
// does not shift entries still pending deletion.
func parseIndexSpec(spec string, maxIndex int) []int {
	parts := indexSeparators.Split(strings.TrimSpace(spec), -1)
	seen := make(map[int]bool)
	var indices []int
	for _, part := range parts {
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > maxIndex {
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		indices = append(indices, n)
	}
	slices.SortFunc(indices, func(a, b int) int { return b - a })
	return indices
}

// removeIndices deletes the given descending-sorted indices from messages.
func removeIndices(messages []domain.Message, descending []int) []domain.Message {
	out := slices.Clone(messages)
	for _, idx := range descending {
		out = slices.Delete(out, idx, idx+1)
	}
	return out
}

// rewriteSystem replaces the content of the system message. The creation
// invariant guarantees one exists at index 0; if it somehow does not, one is
// inserted rather than corrupting the transcript.
func rewriteSystem(messages []domain.Message, preset string) []domain.Message {
	out := slices.Clone(messages)
	for i := range out {
		if out[i].Role == domain.RoleSystem {
			out[i].Content = preset
			return out
		}
	}
	return append([]domain.Message{{Role: domain.RoleSystem, Content: preset}}, out...)
}

// freshTranscript is the single-entry message list of a new or cleared room.
func freshTranscript(preset string) []domain.Message {
	return []domain.Message{{Role: domain.RoleSystem, Content: preset}}
}

// redactReasoning strips everything up to and including the last closing
// reasoning marker. Without a marker the input is returned trimmed.
func redactReasoning(text string, enabled bool) string {
	if enabled {
		if idx := strings.LastIndex(text, reasoningCloseMarker); idx >= 0 {
			text = text[idx+len(reasoningCloseMarker):]
		}
	}
	return strings.TrimSpace(text)
}

const reasoningCloseMarker = "</think>"
