package memory

import (
	"encoding/json"
	"strings"
)

// maxParsedResponseBytes bounds how much LLM output the parsers will accept
// before giving up, mirroring the response-size caps the reference
// extraction and arbitration prompts enforced.
const maxParsedResponseBytes = 16 * 1024

// Event is one of the four reconciliation actions the LLM may propose for a
// memory (existing or new).
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

func validEvent(e string) bool {
	switch Event(strings.ToUpper(e)) {
	case EventAdd, EventUpdate, EventDelete, EventNone:
		return true
	default:
		return false
	}
}

// Action is one parsed reconciliation decision. ID refers to a temp id from
// the candidate pool (or, for ADD, is empty or a fresh temp id assigned by
// the caller). OldMemory is only meaningful for UPDATE/DELETE repair.
type Action struct {
	ID        string
	Text      string
	Event     Event
	OldMemory string
}

// factsPayload is the JSON shape accepted for fact extraction output.
type factsPayload struct {
	Facts []string `json:"facts"`
}

// actionsPayload is the JSON shape accepted for reconciliation output.
type actionsPayload struct {
	Memory []struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		Event     string `json:"event"`
		OldMemory string `json:"old_memory"`
	} `json:"memory"`
}

// ParseFacts accepts either a fenced/bare JSON `{"facts": [...]}` object or
// line-delimited `FACT: <fact>` text, with the bare word `NONE` (or an empty
// response) meaning no facts. Facts are trimmed and deduped, order
// preserved.
func ParseFacts(raw string) ([]string, error) {
	text := strings.TrimSpace(raw)
	if text == "" || strings.EqualFold(text, "NONE") {
		return nil, nil
	}
	if len(text) > maxParsedResponseBytes {
		return nil, ErrResponseTooLarge
	}

	text = stripCodeFences(text)

	if jsonRegion := extractBalancedJSON(text); jsonRegion != "" {
		var payload factsPayload
		if err := json.Unmarshal([]byte(jsonRegion), &payload); err == nil {
			return dedupeStrings(payload.Facts), nil
		}
	}

	var facts []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "NONE") {
			continue
		}
		fact, ok := strings.CutPrefix(line, "FACT:")
		if !ok {
			fact, ok = strings.CutPrefix(line, "fact:")
		}
		if !ok {
			continue
		}
		facts = append(facts, strings.TrimSpace(fact))
	}
	return dedupeStrings(facts), nil
}

// ParseActions accepts either a fenced/bare JSON `{"memory":[...]}` object
// or pipe-delimited `EVENT|ID|TEXT|OLD_MEMORY` lines. Lines with an unknown
// event token or a missing id are dropped rather than erroring, per the
// parser round-trip property.
func ParseActions(raw string) ([]Action, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, nil
	}
	if len(text) > maxParsedResponseBytes {
		return nil, ErrResponseTooLarge
	}

	text = stripCodeFences(text)

	if jsonRegion := extractBalancedJSON(text); jsonRegion != "" {
		var payload actionsPayload
		if err := json.Unmarshal([]byte(jsonRegion), &payload); err == nil {
			var actions []Action
			for _, m := range payload.Memory {
				if m.ID == "" || !validEvent(m.Event) {
					continue
				}
				actions = append(actions, Action{
					ID:        m.ID,
					Text:      m.Text,
					Event:     Event(strings.ToUpper(m.Event)),
					OldMemory: m.OldMemory,
				})
			}
			return actions, nil
		}
	}

	var actions []Action
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 2 {
			continue
		}
		event, id := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if id == "" || !validEvent(event) {
			continue
		}
		a := Action{ID: id, Event: Event(strings.ToUpper(event))}
		if len(parts) > 2 {
			a.Text = strings.TrimSpace(parts[2])
		}
		if len(parts) > 3 {
			a.OldMemory = strings.TrimSpace(parts[3])
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// stripCodeFences removes ```json ... ``` (or bare ```) wrapping from LLM
// output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// extractBalancedJSON returns the first balanced top-level {...} region in
// s, or "" if none is found. This tolerates leading/trailing prose the model
// adds around a JSON object.
func extractBalancedJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// dedupeStrings trims each entry and drops empties and repeats, preserving
// first-occurrence order.
func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
