package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const (
	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	// anthropicDefaultMaxTokens applies when the caller leaves max_tokens
	// unset; the Messages API requires the field.
	anthropicDefaultMaxTokens = 64000

	// anthropicDefaultThinkingBudget applies when extended thinking is
	// enabled without an explicit max_thinking_tokens.
	anthropicDefaultThinkingBudget = 8192
)

// anthropicEvent is one `data:` frame of the Messages stream.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DriveAnthropic streams a run through the Anthropic Messages API.
func DriveAnthropic(ctx context.Context, req Request) error {
	header := http.Header{}
	header.Set("x-api-key", req.APIKey)
	header.Set("anthropic-version", anthropicVersion)

	body, err := openStream(ctx, anthropicURL, toAnthropicPayload(req.Body), header)
	if err != nil {
		return err
	}
	defer body.Close()

	out := newSink(req)
	return readStream(body, req.IsRunning, func(data string) error {
		var ev anthropicEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		switch ev.Type {
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				out.content(ev.Delta.Text, nil)
			case "thinking_delta":
				out.reasoning(ev.Delta.Thinking)
			}
		case "message_stop":
			return errStreamDone
		case "error":
			if ev.Error != nil {
				return errors.New(ev.Error.Message)
			}
			return errors.New("upstream error")
		}
		return nil
	})
}

// toAnthropicPayload translates the canonical body into the Messages dialect:
// system turns concatenate into payload.system, images become base64 source
// blocks, and reasoning.enabled maps to extended thinking.
func toAnthropicPayload(body map[string]any) map[string]any {
	payload := map[string]any{
		"model":  bodyString(body, "model"),
		"stream": true,
	}
	copyIfSet(payload, "temperature", body, "temperature")
	copyIfSet(payload, "top_p", body, "top_p")

	if v, ok := bodyNumber(body, "max_tokens"); ok {
		payload["max_tokens"] = int(v)
	} else {
		payload["max_tokens"] = anthropicDefaultMaxTokens
	}

	if reasoning := bodyMap(body, "reasoning"); reasoning != nil {
		if enabled, _ := reasoning["enabled"].(bool); enabled {
			budget := anthropicDefaultThinkingBudget
			if v, ok := bodyNumber(reasoning, "max_thinking_tokens"); ok {
				budget = int(v)
			}
			payload["thinking"] = map[string]any{
				"type":          "enabled",
				"budget_tokens": budget,
			}
		}
	}

	var system []string
	var msgs []any
	for _, raw := range bodyMessages(body) {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		if role == "system" {
			system = append(system, contentText(msg["content"]))
			continue
		}
		msgs = append(msgs, map[string]any{
			"role":    role,
			"content": toAnthropicBlocks(msg["content"]),
		})
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	payload["messages"] = msgs
	return payload
}

func toAnthropicBlocks(content any) any {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		blocks := make([]any, 0, len(c))
		for _, raw := range c {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch part["type"] {
			case "text", "input_text":
				text, _ := part["text"].(string)
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			case "image_url", "input_image":
				if block := anthropicImageBlock(imagePartURL(part)); block != nil {
					blocks = append(blocks, block)
				}
			}
		}
		return blocks
	}
	return content
}

// anthropicImageBlock parses a data:<mime>;base64,<payload> URL into a base64
// source block; plain URLs pass through as url sources.
func anthropicImageBlock(url string) map[string]any {
	if url == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		mime, data, found := strings.Cut(rest, ";base64,")
		if !found {
			return nil
		}
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mime,
				"data":       data,
			},
		}
	}
	return map[string]any{
		"type": "image",
		"source": map[string]any{
			"type": "url",
			"url":  url,
		},
	}
}

// contentText flattens string-or-parts content to plain text.
func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, raw := range c {
			if part, ok := raw.(map[string]any); ok {
				if text, ok := part["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	}
	return ""
}
