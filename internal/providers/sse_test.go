package providers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineSplitter_RetainsPartialLines(t *testing.T) {
	var s lineSplitter

	require.Empty(t, s.split([]byte("data: par")))
	require.Equal(t, []string{"data: partial"}, s.split([]byte("tial\ndata: tr")))
	require.Equal(t, []string{"data: trailing"}, s.split([]byte("ailing\n")))
}

func TestLineSplitter_MultipleLinesPerRead(t *testing.T) {
	var s lineSplitter

	lines := s.split([]byte("data: a\r\nevent: x\ndata: b\n"))
	require.Equal(t, []string{"data: a", "event: x", "data: b"}, lines)
}

func TestSSEPayload(t *testing.T) {
	data, ok := ssePayload("data: {\"x\":1}")
	require.True(t, ok)
	require.Equal(t, `{"x":1}`, data)

	data, ok = ssePayload("data:[DONE]")
	require.True(t, ok)
	require.Equal(t, "[DONE]", data)

	_, ok = ssePayload(": comment")
	require.False(t, ok)
	_, ok = ssePayload("event: message_stop")
	require.False(t, ok)
	_, ok = ssePayload("")
	require.False(t, ok)
}
