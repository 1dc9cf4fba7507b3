package anthropic

import "github.com/chorus-llm/chorus/runtime/orchestrator/provider"

// Conversation history is carried inside the continuation token under the
// "history" key. Entries survive JSON and BSON round trips, so decoding
// tolerates both typed and map-shaped values.

const historyKey = "history"

const (
	historyRoleUser      = "user"
	historyRoleAssistant = "assistant"
)

type historyMessage struct {
	Role string `json:"role" bson:"role"`
	Text string `json:"text" bson:"text"`
}

func decodeHistory(meta provider.Meta) []historyMessage {
	if meta == nil {
		return nil
	}
	raw, ok := meta[historyKey]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []historyMessage:
		return v
	case []any:
		out := make([]historyMessage, 0, len(v))
		for _, item := range v {
			if m, ok := decodeHistoryEntry(item); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func decodeHistoryEntry(item any) (historyMessage, bool) {
	switch m := item.(type) {
	case historyMessage:
		return m, true
	case map[string]any:
		role, _ := m["role"].(string)
		text, _ := m["text"].(string)
		if role == "" {
			return historyMessage{}, false
		}
		return historyMessage{Role: role, Text: text}, true
	default:
		return historyMessage{}, false
	}
}

func appendHistory(history []historyMessage, prompt, reply string) provider.Meta {
	next := make([]historyMessage, 0, len(history)+2)
	next = append(next, history...)
	next = append(next,
		historyMessage{Role: historyRoleUser, Text: prompt},
		historyMessage{Role: historyRoleAssistant, Text: reply},
	)
	return provider.Meta{historyKey: next}
}
