package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/planetrenox/sune-proxy/internal/providers"
	"github.com/planetrenox/sune-proxy/internal/runner"
)

func TestOriginAllowed(t *testing.T) {
	cases := map[string]bool{
		"": true, // absent header passes
		"https://sune.planetrenox.com": true,
		"https://sune.chat":            true,
		"https://someone.github.io":    true,
		"https://evil.example.com":     false,
		"https://github.io.evil.com":   false,
		"https://notsune.chat":         false,
		"https://sune.chat.evil.com":   false,
	}
	for origin, want := range cases {
		require.Equal(t, want, OriginAllowed(origin), "origin %q", origin)
	}
}

func TestSanitizeUID(t *testing.T) {
	require.Equal(t, "abc_DEF-123", sanitizeUID("abc_DEF-123"))
	require.Equal(t, "abc", sanitizeUID("a b/c!"))
	require.Equal(t, "", sanitizeUID("!!!"))
	require.Len(t, sanitizeUID(strings.Repeat("a", 100)), 64)
}

func TestClientFrame_BodySynthesis(t *testing.T) {
	var frame clientFrame
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "begin", "rid": "r1", "apiKey": "K",
		"model": "m", "messages": [{"role":"user","content":"hi"}],
		"temperature": 0.5, "max_tokens": 100
	}`), &frame))

	body := frame.body()
	require.Equal(t, "m", body["model"])
	require.Equal(t, true, body["stream"])
	require.Equal(t, 0.5, body["temperature"])
	require.Equal(t, float64(100), body["max_tokens"])
	require.NotContains(t, body, "top_p")
	require.Equal(t, int64(-1), frame.after())
}

func TestClientFrame_ORBodyWins(t *testing.T) {
	var frame clientFrame
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "begin", "rid": "r1", "apiKey": "K", "after": 3,
		"or_body": {"model": "m2", "messages": [], "custom": "kept"}
	}`), &frame))

	body := frame.body()
	require.Equal(t, "m2", body["model"])
	require.Equal(t, "kept", body["custom"])
	require.Equal(t, int64(3), frame.after())
}

// newTestServer builds the full /ws stack over a coordinator whose adapter is
// the supplied drive function.
func newTestServer(t *testing.T, drive providers.DriveFunc) (*httptest.Server, *runner.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	kv := fakeKV{entries: map[string][]byte{}}
	coord := runner.New(runner.Config{
		BatchDelay: 10 * time.Millisecond,
		Drive: func(string) providers.DriveFunc {
			return drive
		},
	}, &kv, nil)

	router := gin.New()
	router.Any("/ws", NewServer(coord).Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, coord
}

type fakeKV struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (kv *fakeKV) Get(key string) ([]byte, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	blob, ok := kv.entries[key]
	return blob, ok
}

func (kv *fakeKV) Set(key string, blob []byte, _ time.Duration) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries[key] = blob
}

func (kv *fakeKV) Del(key string) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, key)
}

func (kv *fakeKV) List(prefix string) []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	var keys []string
	for key := range kv.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (kv *fakeKV) Prune() int { return 0 }

func dial(t *testing.T, srv *httptest.Server, uid string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?uid=" + uid
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorilla.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestServer_HappyPathOverSocket(t *testing.T) {
	srv, _ := newTestServer(t, func(_ context.Context, req providers.Request) error {
		req.OnDelta("hel", nil)
		req.OnDelta("lo", nil)
		return nil
	})

	conn := dial(t, srv, "u1")
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "begin", "rid": "r1", "apiKey": "K",
		"model": "m", "messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}))

	var text strings.Builder
	for {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "delta":
			text.WriteString(frame["text"].(string))
		case "done":
			require.Equal(t, "hello", text.String())
			return
		case "err":
			t.Fatalf("unexpected err frame: %v", frame)
		}
	}
}

func TestServer_ProtocolErrors(t *testing.T) {
	srv, _ := newTestServer(t, func(_ context.Context, _ providers.Request) error {
		return nil
	})

	conn := dial(t, srv, "u1")

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte("{not json")))
	require.Equal(t, "bad_json", readFrame(t, conn)["message"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "mystery"}))
	require.Equal(t, "bad_type", readFrame(t, conn)["message"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "begin", "rid": "r1"}))
	require.Equal(t, "missing_fields", readFrame(t, conn)["message"])

	// Session continues after protocol errors.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "mystery"}))
	require.Equal(t, "bad_type", readFrame(t, conn)["message"])
}

func TestServer_RejectsMissingUID(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_PollEndpoint(t *testing.T) {
	srv, coord := newTestServer(t, func(_ context.Context, req providers.Request) error {
		req.OnDelta("hello", nil)
		return nil
	})

	// Unknown uid returns the idle sentinel.
	resp, err := http.Get(srv.URL + "/ws?uid=ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sentinel map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sentinel))
	require.Nil(t, sentinel["rid"])
	require.Equal(t, "idle", sentinel["phase"])
	require.Equal(t, false, sentinel["done"])
	require.Equal(t, float64(-1), sentinel["seq"])

	// Run to completion, then poll sees the final text.
	conn := dial(t, srv, "u1")
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "begin", "rid": "r1", "apiKey": "K",
		"model": "m", "messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}))
	for {
		frame := readFrame(t, conn)
		if frame["type"] == "done" {
			break
		}
	}

	poll := coord.HandlePoll("u1")
	require.NotNil(t, poll.RID)
	require.Equal(t, "r1", *poll.RID)
	require.True(t, poll.Done)
	require.Equal(t, "hello", poll.Text)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
