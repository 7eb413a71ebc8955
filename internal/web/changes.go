package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	appLog "calsync/internal/log"
)

const changeWriteTimeout = 10 * time.Second

// handleChanges streams store changes to a websocket client as JSON
// messages, one per change. Client messages are ignored. The feed is
// subscribed before the upgrade so nothing after the handshake is missed.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	changes, cancel := s.store.Subscribe()
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		appLog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	appLog.Debug("change stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			appLog.Debug("change stream closed", "remote", r.RemoteAddr)
			return
		case c, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, changeWriteTimeout)
			err := wsjson.Write(wctx, conn, c)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					appLog.Warn("change stream write failed", "remote", r.RemoteAddr, "err", err)
				}
				return
			}
		}
	}
}
