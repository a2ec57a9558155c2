package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// serveSSE swaps the shared stream client for one that hits a local SSE
// server emitting the given frames.
func serveSSE(t *testing.T, lines []string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)

	prev := streamClient
	streamClient = &http.Client{
		Transport: rewriteTransport{target: srv.URL},
	}
	t.Cleanup(func() { streamClient = prev })
}

// rewriteTransport redirects every request to the test server.
type rewriteTransport struct {
	target string
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	redirected, err := http.NewRequestWithContext(req.Context(), req.Method, rt.target+req.URL.Path, req.Body)
	if err != nil {
		return nil, err
	}
	redirected.Header = req.Header
	return http.DefaultTransport.RoundTrip(redirected)
}

type collected struct {
	texts  []string
	images [][]string
}

func (c *collected) onDelta(text string, images []string) {
	c.texts = append(c.texts, text)
	c.images = append(c.images, images)
}

func TestDriveOpenRouter_StreamsDeltas(t *testing.T) {
	serveSSE(t, []string{
		`data: {"choices":[{"delta":{"content":"hel"}}]}`,
		`: keep-alive`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: [DONE]`,
	})

	var got collected
	err := DriveOpenRouter(context.Background(), Request{
		APIKey:    "k",
		Body:      map[string]any{"model": "m", "messages": []any{}},
		OnDelta:   got.onDelta,
		IsRunning: func() bool { return true },
	})

	require.NoError(t, err)
	require.Equal(t, []string{"hel", "lo"}, got.texts)
}

func TestDriveOpenRouter_ReasoningSeparator(t *testing.T) {
	serveSSE(t, []string{
		`data: {"choices":[{"delta":{"reasoning":"think"}}]}`,
		`data: {"choices":[{"delta":{"content":"answer"}}]}`,
		`data: [DONE]`,
	})

	var got collected
	err := DriveOpenRouter(context.Background(), Request{
		APIKey:    "k",
		Body:      map[string]any{"model": "m"},
		OnDelta:   got.onDelta,
		IsRunning: func() bool { return true },
	})

	require.NoError(t, err)
	require.Equal(t, []string{"think", "\nanswer"}, got.texts)
}

func TestDriveOpenRouter_ReasoningExcluded(t *testing.T) {
	serveSSE(t, []string{
		`data: {"choices":[{"delta":{"reasoning":"think"}}]}`,
		`data: {"choices":[{"delta":{"content":"answer"}}]}`,
		`data: [DONE]`,
	})

	var got collected
	err := DriveOpenRouter(context.Background(), Request{
		APIKey: "k",
		Body: map[string]any{
			"model":     "m",
			"reasoning": map[string]any{"exclude": true},
		},
		OnDelta:   got.onDelta,
		IsRunning: func() bool { return true },
	})

	require.NoError(t, err)
	require.Equal(t, []string{"answer"}, got.texts)
}

func TestDriveOpenRouter_ErrorFrame(t *testing.T) {
	serveSSE(t, []string{
		`data: {"choices":[{"delta":{"content":"par"}}]}`,
		`data: {"error":{"message":"boom"}}`,
	})

	var got collected
	err := DriveOpenRouter(context.Background(), Request{
		APIKey:    "k",
		Body:      map[string]any{"model": "m"},
		OnDelta:   got.onDelta,
		IsRunning: func() bool { return true },
	})

	require.EqualError(t, err, "boom")
	require.Equal(t, []string{"par"}, got.texts)
}

func TestDriveOpenRouter_SkipsUndecodableFrames(t *testing.T) {
	serveSSE(t, []string{
		`data: not-json`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
	})

	var got collected
	err := DriveOpenRouter(context.Background(), Request{
		APIKey:    "k",
		Body:      map[string]any{"model": "m"},
		OnDelta:   got.onDelta,
		IsRunning: func() bool { return true },
	})

	require.NoError(t, err)
	require.Equal(t, []string{"ok"}, got.texts)
}

func TestDriveOpenRouter_UpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	prev := streamClient
	streamClient = &http.Client{Transport: rewriteTransport{target: srv.URL}}
	t.Cleanup(func() { streamClient = prev })

	err := DriveOpenRouter(context.Background(), Request{
		APIKey:    "k",
		Body:      map[string]any{"model": "m"},
		OnDelta:   func(string, []string) {},
		IsRunning: func() bool { return true },
	})

	require.ErrorContains(t, err, "status 401")
}
