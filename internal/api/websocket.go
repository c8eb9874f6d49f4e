package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"maker-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsFrame struct {
	Topic   events.Topic `json:"topic"`
	Payload any          `json:"payload"`
}

// websocket streams status and context events to one client. New
// subscribers receive the last known value of each topic immediately.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	statusCh, unsubStatus := s.Bus.Subscribe(events.TopicStatus, 100)
	defer unsubStatus()
	ctxCh, unsubCtx := s.Bus.Subscribe(events.TopicContext, 100)
	defer unsubCtx()

	done := c.Request.Context().Done()
	for {
		select {
		case msg, ok := <-statusCh:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsFrame{Topic: events.TopicStatus, Payload: msg}); err != nil {
				return
			}
		case msg, ok := <-ctxCh:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsFrame{Topic: events.TopicContext, Payload: msg}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
