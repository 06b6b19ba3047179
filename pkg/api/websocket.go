package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agenthub/hubd/pkg/events"
)

// wsWriteTimeout bounds one event write so a stalled browser cannot pin the
// delivery goroutine.
const wsWriteTimeout = 10 * time.Second

// wsSink forwards bus events onto one websocket connection.
type wsSink struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
}

func (s *wsSink) DeliverEvent(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.cancel()
	}
}

// wsHandler upgrades the request and streams matching bus events until the
// peer disconnects. Patterns come from the ?patterns= query parameter,
// comma separated; default is everything.
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Local ops surface; the listener binds to localhost.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	patterns := []string{"*"}
	if raw := c.Query("patterns"); raw != "" {
		patterns = strings.Split(raw, ",")
	}

	// CloseRead discards inbound frames and cancels the context when the
	// peer goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(c.Request.Context()))
	defer cancel()

	sink := &wsSink{ctx: ctx, cancel: cancel, conn: conn}
	sub := s.bus.Subscribe(sink, patterns)
	defer s.bus.Unsubscribe(sub)

	s.logger.Debug("websocket subscriber connected", "patterns", patterns)
	<-ctx.Done()
}
