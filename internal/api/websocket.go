package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsBuffer       = 32
)

type outboundMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// StreamQuotes upgrades to a websocket, sends the current board and then
// every quote as it arrives. Slow clients miss quotes instead of stalling the feed.
func (h *Handler) StreamQuotes(allowedOrigins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		sub := h.Feed.Subscribe(wsBuffer)
		defer h.Feed.Unsubscribe(sub)

		// Reads only detect the client going away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.Feed.Unsubscribe(sub)
					return
				}
			}
		}()

		send := func(msg outboundMessage) bool {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(msg) == nil
		}

		if !send(outboundMessage{Type: "board", Data: h.Feed.Board().Snapshot()}) {
			return
		}
		for q := range sub.C {
			if !send(outboundMessage{Type: "quote", Data: q}) {
				return
			}
		}
	}
}
