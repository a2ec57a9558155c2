// Package providers implements the streaming drivers for each upstream LLM
// dialect. Every adapter reduces its upstream to the same contract: emit
// incremental text/image deltas in arrival order, honor cancellation, and
// surface any failure as an error.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Request carries one normalized upstream call.
type Request struct {
	APIKey string
	// Body is the normalized request. Adapters must not mutate it after
	// sanitization; the OpenRouter path forwards it verbatim.
	Body map[string]any
	// OnDelta is invoked zero or more times in arrival order. text may be
	// empty when only images are present.
	OnDelta func(text string, images []string)
	// IsRunning is polled between network reads; adapters abandon the
	// stream promptly when it returns false.
	IsRunning func() bool
}

// DriveFunc streams a single run to completion. The context is the
// cancellation controller and is wired to the HTTP transport.
type DriveFunc func(ctx context.Context, req Request) error

// ForProvider resolves the adapter for a provider name. Unknown or empty
// names fall back to OpenRouter.
func ForProvider(name string) DriveFunc {
	switch name {
	case "openai":
		return DriveOpenAI
	case "anthropic":
		return DriveAnthropic
	case "google":
		return DriveGoogle
	default:
		return DriveOpenRouter
	}
}

// errStreamDone terminates the read loop on an explicit end-of-stream frame.
var errStreamDone = errors.New("stream done")

var streamClient = &http.Client{}

// openStream POSTs payload and returns the response body reader. Non-200
// responses are drained and surfaced as an error.
func openStream(ctx context.Context, url string, payload any, header http.Header) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream error (status %d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp.Body, nil
}

// readStream drives the SSE read loop: buffer across reads, split on LF,
// retain the trailing partial line, and hand every complete `data:` payload
// to handle. A handle returning errStreamDone ends the loop cleanly.
func readStream(r io.Reader, isRunning func() bool, handle func(data string) error) error {
	var splitter lineSplitter
	buf := make([]byte, 32*1024)
	for {
		if isRunning != nil && !isRunning() {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range splitter.split(buf[:n]) {
				data, ok := ssePayload(line)
				if !ok {
					continue
				}
				if herr := handle(data); herr != nil {
					if herr == errStreamDone {
						return nil
					}
					return herr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// sink wraps OnDelta with the reasoning channel policy: reasoning deltas are
// forwarded unless excluded, and the first content byte after any reasoning
// byte is preceded by a single "\n" separator.
type sink struct {
	emit      func(text string, images []string)
	exclude   bool
	reasoned  bool
	separated bool
}

func newSink(req Request) *sink {
	exclude := false
	if r, ok := req.Body["reasoning"].(map[string]any); ok {
		if v, ok := r["exclude"].(bool); ok {
			exclude = v
		}
	}
	return &sink{emit: req.OnDelta, exclude: exclude}
}

func (s *sink) reasoning(text string) {
	if s.exclude || text == "" {
		return
	}
	s.reasoned = true
	s.emit(text, nil)
}

func (s *sink) content(text string, images []string) {
	if text == "" && len(images) == 0 {
		return
	}
	if s.reasoned && !s.separated {
		s.separated = true
		text = "\n" + text
	}
	s.emit(text, images)
}

// Body field accessors. The normalized body is schemaless JSON; these keep
// the adapters free of repeated type assertions.

func bodyString(body map[string]any, key string) string {
	v, _ := body[key].(string)
	return v
}

func bodyMap(body map[string]any, key string) map[string]any {
	v, _ := body[key].(map[string]any)
	return v
}

func bodyMessages(body map[string]any) []any {
	v, _ := body["messages"].([]any)
	return v
}

func bodyNumber(body map[string]any, key string) (float64, bool) {
	switch v := body[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// copyIfSet copies src[key] into dst[dstKey] when present.
func copyIfSet(dst map[string]any, dstKey string, src map[string]any, key string) {
	if v, ok := src[key]; ok && v != nil {
		dst[dstKey] = v
	}
}
