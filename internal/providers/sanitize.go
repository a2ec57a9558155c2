package providers

import "strings"

// SanitizeMessages normalizes message content so the upstream is never handed
// an empty user turn. Whitespace-only string content becomes "."; array
// content is filtered of empty text parts, and a single {type:"text",
// text:"."} part is appended when filtering leaves no text behind. Roles and
// other keys are preserved. The transform is idempotent.
func SanitizeMessages(messages []any) []any {
	out := make([]any, 0, len(messages))
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			out = append(out, raw)
			continue
		}
		out = append(out, sanitizeMessage(msg))
	}
	return out
}

func sanitizeMessage(msg map[string]any) map[string]any {
	clean := make(map[string]any, len(msg))
	for k, v := range msg {
		clean[k] = v
	}

	switch content := msg["content"].(type) {
	case string:
		if strings.TrimSpace(content) == "" {
			clean["content"] = "."
		}
	case []any:
		parts := make([]any, 0, len(content))
		hasText := false
		for _, raw := range content {
			part, ok := raw.(map[string]any)
			if !ok {
				parts = append(parts, raw)
				continue
			}
			if isEmptyTextPart(part) {
				continue
			}
			if isTextPart(part) {
				hasText = true
			}
			parts = append(parts, part)
		}
		if len(parts) == 0 || !hasText {
			parts = append(parts, map[string]any{"type": "text", "text": "."})
		}
		clean["content"] = parts
	default:
		clean["content"] = "."
	}
	return clean
}

func isTextPart(part map[string]any) bool {
	t, _ := part["type"].(string)
	return t == "text" || t == "input_text"
}

func isEmptyTextPart(part map[string]any) bool {
	if !isTextPart(part) {
		return false
	}
	text, _ := part["text"].(string)
	return strings.TrimSpace(text) == ""
}
