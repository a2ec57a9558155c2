// Package notify pushes fire-and-forget text notifications to an ntfy-style
// sink. Delivery failures are logged and never propagated.
package notify

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/planetrenox/sune-proxy/internal/logger"
)

// Notifier posts plain-text messages to a single topic URL.
type Notifier struct {
	url    string
	client *http.Client
}

// New creates a Notifier. An empty url disables sending entirely.
func New(url string) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts message with the given priority and comma-separated tags.
func (n *Notifier) Send(message string, priority int, tags string) {
	if n.url == "" {
		return
	}

	req, err := http.NewRequest(http.MethodPost, n.url, strings.NewReader(message))
	if err != nil {
		logger.Warnf("[notify] build request: %v", err)
		return
	}
	req.Header.Set("Title", "Sune Proxy")
	req.Header.Set("Priority", strconv.Itoa(priority))
	req.Header.Set("Tags", tags)

	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warnf("[notify] send: %v", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
