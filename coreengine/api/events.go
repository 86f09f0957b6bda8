package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/runtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	eventBuffer    = 64
)

// eventFrame is one websocket message.
type eventFrame struct {
	Type  string          `json:"type"`
	Event commbus.Message `json:"event"`
}

// handleEvents streams a session's turn events until the client goes away.
// Events are dropped when the client falls behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	sessionID := mux.Vars(r)["id"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket_upgrade_failed", "error", err.Error())
		return
	}
	logger := s.logger.Bind("session_id", sessionID)

	events := make(chan commbus.TurnEvent, eventBuffer)
	unsubscribe := commbus.SubscribeSession(s.bus, sessionID, func(e commbus.TurnEvent) {
		select {
		case events <- e:
		default:
			logger.Warn("event_dropped", "type", commbus.GetMessageType(e))
		}
	})
	logger.Info("event_stream_opened")

	done := make(chan struct{})
	runtime.SafeGo(logger, "events_read_pump", func() {
		defer close(done)
		readPump(conn)
	}, nil)

	writePump(conn, events, done)
	unsubscribe()
	conn.Close()
	logger.Info("event_stream_closed")
}

// readPump discards client messages and keeps the pong deadline fresh. It
// returns when the connection fails or the client closes it.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, events <-chan commbus.TurnEvent, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e := <-events:
			data, err := json.Marshal(eventFrame{Type: commbus.GetMessageType(e), Event: e})
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
