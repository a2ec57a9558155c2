package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// googleFrame is one `data:` frame of the streamGenerateContent SSE stream.
type googleFrame struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				Thought    bool   `json:"thought"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DriveGoogle streams a run through the GenerativeLanguage SSE endpoint.
func DriveGoogle(ctx context.Context, req Request) error {
	model := bodyString(req.Body, "model")

	// A ":online" model suffix enables the provider web-search tool.
	online := false
	if stripped, ok := strings.CutSuffix(model, ":online"); ok {
		model = stripped
		online = true
	}

	endpoint := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse&key=%s",
		googleBaseURL, url.PathEscape(model), url.QueryEscape(req.APIKey))

	body, err := openStream(ctx, endpoint, toGooglePayload(req.Body, online), nil)
	if err != nil {
		return err
	}
	defer body.Close()

	out := newSink(req)
	return readStream(body, req.IsRunning, func(data string) error {
		var frame googleFrame
		if json.Unmarshal([]byte(data), &frame) != nil {
			return nil
		}
		if frame.Error != nil {
			return errors.New(frame.Error.Message)
		}
		for _, cand := range frame.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Thought {
					out.reasoning(part.Text)
					continue
				}
				var images []string
				if part.InlineData != nil {
					images = append(images, fmt.Sprintf("data:%s;base64,%s",
						part.InlineData.MimeType, part.InlineData.Data))
				}
				out.content(part.Text, images)
			}
		}
		return nil
	})
}

// toGooglePayload translates the canonical body into the GenerativeLanguage
// dialect: assistant turns map to role "model", everything else to "user",
// adjacent same-role turns merge, and a trailing non-user turn is dropped.
func toGooglePayload(body map[string]any, online bool) map[string]any {
	payload := map[string]any{
		"contents": toGoogleContents(bodyMessages(body)),
	}
	if online {
		payload["tools"] = []any{map[string]any{"google_search": map[string]any{}}}
	}

	generation := map[string]any{}
	copyIfSet(generation, "temperature", body, "temperature")
	copyIfSet(generation, "topP", body, "top_p")
	copyIfSet(generation, "maxOutputTokens", body, "max_tokens")

	if format := bodyMap(body, "response_format"); format != nil {
		if t, _ := format["type"].(string); strings.HasPrefix(t, "json") {
			generation["responseMimeType"] = "application/json"
			if schema := responseSchema(format); schema != nil {
				generation["responseSchema"] = upperSchemaTypes(schema)
			}
		}
	}
	if len(generation) > 0 {
		payload["generationConfig"] = generation
	}
	return payload
}

func toGoogleContents(messages []any) []any {
	var contents []any
	var current map[string]any

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role := "user"
		if r, _ := msg["role"].(string); r == "assistant" {
			role = "model"
		}
		parts := toGoogleParts(msg["content"])

		if current != nil && current["role"] == role {
			current["parts"] = append(current["parts"].([]any), parts...)
			continue
		}
		current = map[string]any{"role": role, "parts": parts}
		contents = append(contents, current)
	}

	// The API rejects a conversation ending on a model turn.
	if n := len(contents); n > 0 {
		if last, ok := contents[n-1].(map[string]any); ok && last["role"] != "user" {
			contents = contents[:n-1]
		}
	}
	return contents
}

func toGoogleParts(content any) []any {
	switch c := content.(type) {
	case string:
		return []any{map[string]any{"text": c}}
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
				parts = append(parts, map[string]any{"text": text})
			case "image_url", "input_image":
				if p := googleImagePart(imagePartURL(part)); p != nil {
					parts = append(parts, p)
				}
			}
		}
		return parts
	}
	return nil
}

func googleImagePart(rawURL string) map[string]any {
	rest, ok := strings.CutPrefix(rawURL, "data:")
	if !ok {
		return nil
	}
	mime, data, found := strings.Cut(rest, ";base64,")
	if !found {
		return nil
	}
	return map[string]any{
		"inline_data": map[string]any{
			"mime_type": mime,
			"data":      data,
		},
	}
}

// responseSchema digs the JSON schema out of either the OpenAI-style
// {json_schema:{schema}} nesting or a flat {schema} key.
func responseSchema(format map[string]any) any {
	if js := bodyMap(format, "json_schema"); js != nil {
		if schema, ok := js["schema"]; ok {
			return schema
		}
	}
	if schema, ok := format["schema"]; ok {
		return schema
	}
	return nil
}

// upperSchemaTypes recursively uppercases string-valued "type" leaves of a
// JSON schema tree; everything else is preserved verbatim.
func upperSchemaTypes(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			if k == "type" {
				if s, ok := val.(string); ok {
					out[k] = strings.ToUpper(s)
					continue
				}
			}
			out[k] = upperSchemaTypes(val)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, val := range node {
			out[i] = upperSchemaTypes(val)
		}
		return out
	}
	return v
}
