package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/planetrenox/sune-proxy/internal/logger"
	"github.com/planetrenox/sune-proxy/internal/runner"
	"github.com/planetrenox/sune-proxy/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return OriginAllowed(r.Header.Get("Origin"))
	},
}

// OriginAllowed reports whether an Origin header value is acceptable. An
// absent header passes; a present one must hostname-match the allow-list.
func OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	switch host {
	case "sune.planetrenox.com", "sune.chat":
		return true
	}
	return strings.HasSuffix(host, ".github.io")
}

var uidPattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeUID strips disallowed characters and caps the length at 64.
func sanitizeUID(raw string) string {
	uid := uidPattern.ReplaceAllString(raw, "")
	if len(uid) > 64 {
		uid = uid[:64]
	}
	return uid
}

// Server terminates client sessions on /ws: WebSocket upgrades for the live
// protocol, plain GET for the poll view.
type Server struct {
	coord *runner.Coordinator
}

// NewServer creates a Server over the coordinator.
func NewServer(coord *runner.Coordinator) *Server {
	return &Server{coord: coord}
}

// Handle is the gin handler for /ws.
func (s *Server) Handle(c *gin.Context) {
	r := c.Request

	switch {
	case r.Method == http.MethodOptions:
		// The CORS middleware has already written the preflight headers.
		c.Status(http.StatusNoContent)

	case websocket.IsWebSocketUpgrade(r):
		s.handleUpgrade(c)

	case r.Method == http.MethodGet:
		uid := sanitizeUID(c.Query("uid"))
		c.JSON(http.StatusOK, s.coord.HandlePoll(uid))

	default:
		c.Status(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpgrade(c *gin.Context) {
	uid := sanitizeUID(c.Query("uid"))
	if uid == "" {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "uid is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade failed for uid=%s: %v", uid, err)
		return
	}

	client := NewClientConn(conn)
	s.coord.Attach(uid, client)
	logger.Infof("[ws] uid=%s connected (socket %s)", uid, client.ID())

	defer func() {
		s.coord.Detach(uid, client)
		conn.Close()
		logger.Infof("[ws] uid=%s disconnected (socket %s)", uid, client.ID())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debugf("[ws] uid=%s read: %v", uid, err)
			}
			return
		}
		s.dispatch(client, uid, data)
	}
}

// dispatch handles one inbound frame. Protocol errors go back to the
// offending socket only; the session continues.
func (s *Server) dispatch(client *ClientConn, uid string, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		client.Send(types.NewErr("bad_json"))
		return
	}

	switch frame.Type {
	case "begin":
		body := frame.body()
		messages, _ := body["messages"].([]any)
		if frame.RID == "" || frame.APIKey == "" || len(messages) == 0 {
			client.Send(types.NewErr("missing_fields"))
			return
		}
		s.coord.Begin(client, uid, runner.BeginRequest{
			RID:      frame.RID,
			APIKey:   frame.APIKey,
			Provider: frame.Provider,
			Body:     body,
			After:    frame.after(),
		})

	case "stop":
		s.coord.StopRun(uid, frame.RID)

	default:
		client.Send(types.NewErr("bad_type"))
	}
}
