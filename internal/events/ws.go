package events

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Handler upgrades HTTP requests to WebSocket subscriptions. The
// optional "session_id" query parameter filters to one session.
func Handler(hub *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("websocket accept failed", "err", err)
			return
		}

		sub := hub.Subscribe(r.URL.Query().Get("session_id"))
		defer sub.Close()

		ctx := r.Context()

		// The read loop exists only to notice the peer going away.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			case <-readDone:
				return
			case ev, ok := <-sub.C:
				if !ok {
					conn.Close(websocket.StatusPolicyViolation, "subscriber dropped")
					return
				}
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, ev)
				cancel()
				if err != nil {
					conn.Close(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	})
}
