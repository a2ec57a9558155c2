package providers

import (
	"bytes"
	"strings"
)

// lineSplitter accumulates bytes across reads and yields complete LF-bounded
// lines. The trailing partial line is retained until its LF arrives.
type lineSplitter struct {
	rest []byte
}

func (s *lineSplitter) split(p []byte) []string {
	s.rest = append(s.rest, p...)

	var lines []string
	for {
		i := bytes.IndexByte(s.rest, '\n')
		if i < 0 {
			return lines
		}
		line := strings.TrimRight(string(s.rest[:i]), "\r")
		s.rest = s.rest[i+1:]
		lines = append(lines, line)
	}
}

// ssePayload extracts the payload of a `data:` line. Comments, event types
// and blank lines report ok=false.
func ssePayload(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(rest, " "), true
}
