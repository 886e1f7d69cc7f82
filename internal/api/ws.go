package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/soundstage/internal/events"
)

// wsWriteTimeout bounds a single event write to a slow client.
const wsWriteTimeout = 5 * time.Second

// handleEvents streams bus events to a WebSocket client as JSON text
// messages. The first message is the current status. Inbound messages are
// read and discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.wsHosts,
	})
	if err != nil {
		slog.Warn("api: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ch, unsubscribe := s.cfg.Bus.Subscribe(ctx)
	defer unsubscribe()

	first := events.Event{Type: events.TypeStatus, Payload: s.cfg.Sessions.Status(), Time: s.now().UTC()}
	if err := writeEvent(ctx, conn, first); err != nil {
		return
	}
	slog.Debug("api: event stream connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("api: event stream write failed", "remote", r.RemoteAddr, "err", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
