package protocol

import (
	"encoding/json"
	"math"
	"strings"
)

const (
	// DataPrefix marks lines carrying a JSON frame.
	DataPrefix = "data: "

	// CodeChoiceShown is the error code sent when a previous branch was never chosen.
	CodeChoiceShown = "chat_choice_shown"
)

type errorFrame struct {
	Code string `json:"code"`
}

// DecodeLine turns one raw stream line into zero or more events.
// It never fails: anything it does not understand yields no events.
func DecodeLine(line string) []Event {
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, DataPrefix) {
		var frame errorFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			return nil
		}
		if frame.Code == CodeChoiceShown {
			return []Event{BranchPending{}}
		}
		return nil
	}

	raw := strings.TrimPrefix(line, DataPrefix)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil
	}

	var events []Event

	if rawID, ok := fields["msg_id"]; ok {
		var id string
		if err := json.Unmarshal(rawID, &id); err == nil && id != "" {
			events = append(events, MessageID{ID: id})
		}
	}

	if rawBranches, ok := fields["c"]; ok && isJSONArray(rawBranches) {
		var entries []json.RawMessage
		if err := json.Unmarshal(rawBranches, &entries); err != nil {
			return events
		}
		for _, entry := range entries {
			if ev, ok := decodeBranch(entry); ok {
				events = append(events, ev)
			}
		}
		return events
	}

	if rawText, ok := fields["v"]; ok {
		var text string
		if err := json.Unmarshal(rawText, &text); err == nil && isJSONString(rawText) {
			events = append(events, ContentDelta{Branch: 0, Text: text})
		}
	}

	return events
}

// decodeBranch reads one {"v": text, "c": index} entry. A missing or null
// index means branch 0; a malformed entry is dropped alone.
func decodeBranch(raw json.RawMessage) (ContentDelta, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ContentDelta{}, false
	}

	rawText, ok := fields["v"]
	if !ok || !isJSONString(rawText) {
		return ContentDelta{}, false
	}
	var text string
	if err := json.Unmarshal(rawText, &text); err != nil {
		return ContentDelta{}, false
	}

	idx := 0
	if rawIdx, ok := fields["c"]; ok && strings.TrimSpace(string(rawIdx)) != "null" {
		var f float64
		if err := json.Unmarshal(rawIdx, &f); err != nil {
			return ContentDelta{}, false
		}
		if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return ContentDelta{}, false
		}
		idx = int(f)
	}

	return ContentDelta{Branch: idx, Text: text}, true
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[")
}

// null unmarshals into a string without error, so check the token itself.
func isJSONString(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, `"`)
}
