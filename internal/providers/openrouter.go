package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

const openRouterURL = "https://openrouter.ai/api/v1/chat/completions"

// openRouterFrame is one `data:` chunk of the Chat Completions stream.
type openRouterFrame struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
			Images    []struct {
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"images"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DriveOpenRouter streams a run through the OpenRouter Chat Completions API.
// The normalized body is forwarded verbatim, including any fields the caller
// added for provider routing.
func DriveOpenRouter(ctx context.Context, req Request) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+req.APIKey)

	body, err := openStream(ctx, openRouterURL, req.Body, header)
	if err != nil {
		return err
	}
	defer body.Close()

	out := newSink(req)
	return readStream(body, req.IsRunning, func(data string) error {
		if data == "[DONE]" {
			return errStreamDone
		}
		var frame openRouterFrame
		if json.Unmarshal([]byte(data), &frame) != nil {
			return nil
		}
		if frame.Error != nil {
			return errors.New(frame.Error.Message)
		}
		if len(frame.Choices) == 0 {
			return nil
		}
		delta := frame.Choices[0].Delta
		out.reasoning(delta.Reasoning)

		var images []string
		for _, img := range delta.Images {
			if img.ImageURL.URL != "" {
				images = append(images, img.ImageURL.URL)
			}
		}
		out.content(delta.Content, images)
		return nil
	})
}
