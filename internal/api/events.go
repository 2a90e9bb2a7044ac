package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// refreshEvent is one per-widget "refresh now" signal pushed to the UI.
type refreshEvent struct {
	WidgetID int64 `json:"widgetId"`
}

// handleEvents upgrades to a websocket and streams refresh signals until
// the peer goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.Log.Debug("events upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch, cancel := s.Notify.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, refreshEvent{WidgetID: id})
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
