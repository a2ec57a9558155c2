package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

const openAIURL = "https://api.openai.com/v1/responses"

// openAIEvent is one `data:` frame of the Responses API stream.
type openAIEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Response struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DriveOpenAI streams a run through the OpenAI Responses API.
func DriveOpenAI(ctx context.Context, req Request) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+req.APIKey)

	body, err := openStream(ctx, openAIURL, toOpenAIPayload(req.Body), header)
	if err != nil {
		return err
	}
	defer body.Close()

	out := newSink(req)
	return readStream(body, req.IsRunning, func(data string) error {
		var ev openAIEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		switch ev.Type {
		case "response.output_text.delta":
			out.content(ev.Delta, nil)
		case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
			out.reasoning(ev.Delta)
		case "response.completed":
			return errStreamDone
		case "response.failed", "response.incomplete":
			if ev.Response.Error != nil {
				return errors.New(ev.Response.Error.Message)
			}
			return errors.New("response " + ev.Type[len("response."):])
		case "error":
			if ev.Error != nil {
				return errors.New(ev.Error.Message)
			}
			return errors.New("upstream error")
		}
		return nil
	})
}

// toOpenAIPayload translates the canonical body into the Responses dialect.
func toOpenAIPayload(body map[string]any) map[string]any {
	payload := map[string]any{
		"model":  bodyString(body, "model"),
		"stream": true,
	}
	copyIfSet(payload, "temperature", body, "temperature")
	copyIfSet(payload, "top_p", body, "top_p")
	copyIfSet(payload, "max_output_tokens", body, "max_tokens")

	if reasoning := bodyMap(body, "reasoning"); reasoning != nil {
		if effort, ok := reasoning["effort"]; ok {
			payload["reasoning"] = map[string]any{"effort": effort}
		}
	}

	text := map[string]any{}
	copyIfSet(text, "verbosity", body, "verbosity")
	copyIfSet(text, "format", body, "response_format")
	if len(text) > 0 {
		payload["text"] = text
	}

	payload["input"] = toOpenAIInput(bodyMessages(body))
	return payload
}

// toOpenAIInput keeps a lone plain-string message as a bare string; anything
// else becomes role/content items with input_text and input_image parts.
func toOpenAIInput(messages []any) any {
	if len(messages) == 1 {
		if msg, ok := messages[0].(map[string]any); ok {
			if text, ok := msg["content"].(string); ok {
				return text
			}
		}
	}

	items := make([]any, 0, len(messages))
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		items = append(items, map[string]any{
			"role":    role,
			"content": toOpenAIParts(msg["content"]),
		})
	}
	return items
}

func toOpenAIParts(content any) []any {
	switch c := content.(type) {
	case string:
		return []any{map[string]any{"type": "input_text", "text": c}}
	case []any:
		parts := make([]any, 0, len(c))
		for _, raw := range c {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch part["type"] {
			case "text", "input_text":
				text, _ := part["text"].(string)
				parts = append(parts, map[string]any{"type": "input_text", "text": text})
			case "image_url", "input_image":
				url := imagePartURL(part)
				if url != "" {
					parts = append(parts, map[string]any{"type": "input_image", "image_url": url})
				}
			case "file":
				parts = append(parts, part)
			}
		}
		return parts
	}
	return nil
}

// imagePartURL accepts both the nested Chat Completions shape
// {image_url:{url}} and the flat {image_url:"..."} form.
func imagePartURL(part map[string]any) string {
	switch v := part["image_url"].(type) {
	case string:
		return v
	case map[string]any:
		url, _ := v["url"].(string)
		return url
	}
	url, _ := part["url"].(string)
	return url
}
