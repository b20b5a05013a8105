package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"peak-tracker-service/internal/feed"
	"peak-tracker-service/internal/service"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
)

// FeedHandler streams MemberDelta JSON frames over a websocket, one
// subscription per connection. The subscription is released when the client
// disconnects, however abruptly.
type FeedHandler struct {
	svc      *service.SessionService
	feed     feed.Feed
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewFeedHandler(svc *service.SessionService, f feed.Feed, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{
		svc:    svc,
		feed:   f,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  512,
			WriteBufferSize: 4096,
			// Session codes are the only admission control; the API is
			// unauthenticated and origin checks would add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *FeedHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if _, err := h.svc.Session(r.Context(), sessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	sub, err := h.feed.Subscribe(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		return
	}
	defer func() {
		_ = sub.Close()
		_ = conn.Close()
	}()

	// Reader only consumes control frames; its exit is the disconnect signal.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(feedPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()

	for {
		select {
		case delta, ok := <-sub.Deltas():
			if !ok {
				// Backend stream ended; tell the client to resubscribe.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(feedWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(delta); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-disconnected:
			return
		}
	}
}
