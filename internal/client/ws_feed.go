package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"peak-tracker-service/internal/feed"
	"peak-tracker-service/internal/tracker"
)

// Subscribe dials the session's websocket feed. The returned subscription's
// channel closes on any transport failure; the consumer resubscribes.
func (c *HTTP) Subscribe(ctx context.Context, sessionID string) (tracker.Subscription, error) {
	wsURL, err := c.feedURL(sessionID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial session feed: %w", err)
	}

	sub := &wsSubscription{
		conn:   conn,
		deltas: make(chan feed.MemberDelta, 64),
	}
	go sub.pump()
	return sub, nil
}

func (c *HTTP) feedURL(sessionID string) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/sessions/" + url.PathEscape(sessionID) + "/feed"
	return u.String(), nil
}

type wsSubscription struct {
	conn      *websocket.Conn
	deltas    chan feed.MemberDelta
	closeOnce sync.Once
}

func (s *wsSubscription) Deltas() <-chan feed.MemberDelta { return s.deltas }

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *wsSubscription) pump() {
	defer close(s.deltas)
	for {
		var delta feed.MemberDelta
		if err := s.conn.ReadJSON(&delta); err != nil {
			_ = s.Close()
			return
		}
		s.deltas <- delta
	}
}
