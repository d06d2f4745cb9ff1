package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventEnvelope is the wire shape for streamed bus events.
type eventEnvelope struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"ts"`
}

// handleEvents streams bus events over a websocket. The optional topic
// query param is a prefix filter ("debate.", "escalation.", ...); empty
// subscribes to everything. Slow consumers miss events rather than
// blocking publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			env := eventEnvelope{
				Topic:     ev.Topic,
				Payload:   ev.Payload,
				Timestamp: time.Now().UTC(),
			}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		}
	}
}
