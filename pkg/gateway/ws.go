package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"researchd/pkg/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway serves first-party clients; cross-origin tooling connects
	// through the same host.
	CheckOrigin: func(*http.Request) bool { return true },
}

// liveFrame is one message on the live channel. Type mirrors the event bus
// event types; seq lets a reconnecting client deduplicate the replay.
type liveFrame struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	Data string `json:"data"`
}

// clientFrame is what clients may send; only keepalive pings are expected.
type clientFrame struct {
	Type string `json:"type"`
}

// handleLive upgrades to a websocket and streams the session's full event
// history followed by live events until the session stream closes or the
// client goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed for %s: %v", id, err)
		return
	}
	defer func() { _ = conn.Close() }()

	events, unsubscribe := s.bus.Subscribe(id)
	defer unsubscribe()

	// Reader goroutine: consume client pings and detect disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame clientFrame
			if json.Unmarshal(raw, &frame) == nil && frame.Type == "ping" {
				_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				// Session stream closed: the pipeline finalized the session.
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(liveFrame{Type: event.Type, Seq: event.Seq, Data: event.Payload}); err != nil {
				s.logger.Debug("live channel write failed for %s: %v", id, err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
